// Package shot holds the domain model shared by the screenshot orchestration
// layer: tasks, sessions, the collaborator interfaces backends implement, and
// the error classifier that decides which failures are worth retrying.
//
// Packages that drive browsers (backend/tzafon, browser/cdp,
// browser/playwright) depend on shot; shot depends on nothing internal.
package shot

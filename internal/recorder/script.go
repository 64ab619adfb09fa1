package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// quote renders s as a JavaScript string literal.
func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Script lines replay a recording against a remote computer.

func openScript(vp Viewport, url string) []string {
	return []string{
		fmt.Sprintf("// viewport %dx%d", vp.Width, vp.Height),
		fmt.Sprintf("await computer.setViewport(%d, %d);", vp.Width, vp.Height),
		fmt.Sprintf("await computer.navigate(%s);", quote(url)),
		"await computer.wait(1);",
	}
}

func clickLine(x, y int) string { return fmt.Sprintf("await computer.click(%d, %d);", x, y) }

func scrollLine(dx, dy int) string { return fmt.Sprintf("await computer.scroll(%d, %d);", dx, dy) }

func typeLine(text string) string { return fmt.Sprintf("await computer.type(%s);", quote(text)) }

func keyLine(key string) string { return fmt.Sprintf("await computer.key(%s);", quote(key)) }

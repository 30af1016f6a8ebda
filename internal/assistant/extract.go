package assistant

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// ExtractCode returns the body of the first fenced code block in a model
// answer, without the fence lines or the final newline. Answers with no
// fenced block are returned trimmed.
func ExtractCode(answer string) string {
	if code, ok := FencedCode(answer); ok {
		return code
	}
	return strings.TrimSpace(answer)
}

// FencedCode returns the body of the first fenced code block in answer and
// whether there was one.
func FencedCode(answer string) (string, bool) {
	source := []byte(answer)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var block *ast.FencedCodeBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if fb, ok := n.(*ast.FencedCodeBlock); ok {
			block = fb
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	if block == nil {
		return "", false
	}

	var buf bytes.Buffer
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return strings.TrimSuffix(buf.String(), "\n"), true
}

// Package execution runs room code in a sandboxed execution service.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2/lexers"
)

// ErrUnsupportedLanguage is returned for language tags with no runtime.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Request is one program to run.
type Request struct {
	Language string
	Source   string
	Stdin    string
}

// Result is what the program produced. Error is set when compilation
// failed or the program exited non-zero.
type Result struct {
	Output string
	Error  string
}

// Executor runs programs. Implementations must honour ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// runtimes maps chroma lexer names to execution runtime names.
var runtimes = map[string]string{
	"Python":     "python",
	"JavaScript": "javascript",
	"Java":       "java",
	"C":          "c",
	"C++":        "c++",
}

// aliases the lexer registry does not know.
var extraAliases = map[string]string{
	"node":   "JavaScript",
	"nodejs": "JavaScript",
}

// ResolveLanguage turns an editor language tag ("py", "python3", "js",
// "cpp", ...) into the runtime name the execution service expects.
func ResolveLanguage(tag string) (string, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return "", fmt.Errorf("%w: empty language", ErrUnsupportedLanguage)
	}

	name, ok := extraAliases[tag]
	if !ok {
		lexer := lexers.Get(tag)
		if lexer == nil {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, tag)
		}
		name = lexer.Config().Name
	}

	runtime, ok := runtimes[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, tag)
	}
	return runtime, nil
}

// -----------------------------------------------------------------------
// Pipeline context - string-keyed state carried across step boundaries
// -----------------------------------------------------------------------

package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// Context keys written by the executor and the intake layer.
const (
	CtxInputText      = "input_text"
	CtxOCRText        = "ocr_text"
	CtxTargetLanguage = "target_language"
	CtxDocumentClass  = "document_class"
	CtxGuidelines     = "guidelines"
)

// Context is the mapping carried across step boundaries. Sources: OCR output,
// previous step outputs, job options.
type Context map[string]string

// NewContext seeds the context with the OCR text and job options.
func NewContext(ocrText, targetLanguage string) Context {
	ctx := Context{
		CtxOCRText: ocrText,
	}
	if targetLanguage != "" {
		ctx[CtxTargetLanguage] = targetLanguage
	}
	return ctx
}

// Get returns the value for a key; missing keys yield "".
func (c Context) Get(key string) string {
	return c[key]
}

// Set stores a value.
func (c Context) Set(key, value string) {
	c[key] = value
}

// HasAll reports the first required key that is missing or empty.
func (c Context) HasAll(keys []string) (string, bool) {
	for _, key := range keys {
		if strings.TrimSpace(c[key]) == "" {
			return key, false
		}
	}
	return "", true
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Substitute renders a prompt template against the context. {input_text} is
// always replaced with the given input; any other {var} must resolve from the
// context or substitution fails. Unknown placeholders are a configuration
// error, not a silent pass-through.
func (c Context) Substitute(template, inputText string) (string, error) {
	var missing []string
	result := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if name == CtxInputText {
			return inputText
		}
		if value, ok := c[name]; ok {
			return value
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("prompt template references unknown context variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

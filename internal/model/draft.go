package model

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Draft is an outgoing message before the server has seen it.
type Draft struct {
	Content string       `json:"content" validate:"required"`
	Kind    Kind         `json:"type" validate:"oneof=text emoji gif image"`
	ReplyTo *ReplyTarget `json:"replyTo,omitempty"`
}

// Normalize trims text content and fills in the kind when absent.
func (d *Draft) Normalize() {
	if d.Kind == "" || d.Kind == KindText || d.Kind == KindEmoji {
		d.Content = strings.TrimSpace(d.Content)
		d.Kind = DetectKind(d.Content)
	}
}

// Validate reports whether the draft can be sent.
func (d Draft) Validate() error {
	return validate.Struct(d)
}

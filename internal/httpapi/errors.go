package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/nexus-im/miniblog/internal/chat"
)

// fieldErrors mirrors the validation body clients already understand:
// {"message": "...", "errors": {"field": ["reason"]}}.
type fieldErrors map[string][]string

func (s *server) fail(c *gin.Context, err error) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		respondInvalid(c, fieldErrors{verr.Field: {verr.Reason}})
	case errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"message": "This action is unauthorized."})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found."})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Server error."})
	}
}

// bindFailed answers a request whose body did not bind or validate.
func bindFailed(c *gin.Context, err error) {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Malformed request body."})
		return
	}

	out := fieldErrors{}
	for _, fe := range ve {
		field := jsonField(fe)
		out[field] = append(out[field], describe(fe))
	}
	respondInvalid(c, out)
}

func respondInvalid(c *gin.Context, errs fieldErrors) {
	var first string
	for _, msgs := range errs {
		first = msgs[0]
		break
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"message": first, "errors": errs})
}

// jsonField turns a namespace like "createConversationRequest.UserIDs[0]"
// into the request's snake_case field name.
func jsonField(fe validator.FieldError) string {
	name := fe.Field()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "UserIDs":
		return "user_ids"
	}
	return toSnake(name)
}

func toSnake(s string) string {
	var b strings.Builder
	var prev rune
	for _, r := range s {
		upper := r >= 'A' && r <= 'Z'
		if upper && prev >= 'a' && prev <= 'z' {
			b.WriteByte('_')
		}
		prev = r
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " item(s) or characters"
	case "max":
		return "may not be greater than " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "email":
		return "must be a valid email address"
	default:
		return "is invalid"
	}
}

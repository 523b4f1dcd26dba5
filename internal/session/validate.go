package session

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type identifierInput struct {
	Email string `validate:"required,email"`
}

// maxPasswordBytes is the longest password bcrypt accepts.
const maxPasswordBytes = 72

type credentialInput struct {
	UserID   string `validate:"required"`
	Password string `validate:"required"`
}

func validateIdentifier(identifier string) error {
	if err := validate.Struct(identifierInput{Email: strings.TrimSpace(identifier)}); err != nil {
		return &RequestError{Phase: AwaitingIdentifier, Message: "Please enter a valid email"}
	}
	return nil
}

func validateCredential(userID, password string) error {
	if err := validate.Struct(credentialInput{UserID: userID, Password: password}); err != nil {
		return &RequestError{Phase: AwaitingCredential, Message: "Please enter your password"}
	}
	if len(password) > maxPasswordBytes {
		return &RequestError{Phase: AwaitingCredential, Message: fmt.Sprintf("Password is too long (at most %d bytes)", maxPasswordBytes)}
	}
	return nil
}

package utils

import (
	"errors"
	"os"
	"regexp"

	"github.com/asaskevich/govalidator"
	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var logger logr.Logger = logr.Discard()

// InitLogger builds the zerolog backed logr sink used everywhere via Log().
// verbosity 0 logs info only, 1 adds flow logs, 2 adds per-message traces.
func InitLogger(verbosity int) logr.Logger {
	zerologr.SetMaxV(verbosity)
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger = zerologr.New(&zl)
	return logger
}

func SetLogger(l logr.Logger) {
	logger = l
}

func Log() logr.Logger {
	return logger
}

func GetRandomUUID() string {
	return uuid.New().String()
}

func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

func IsValidUsername(s string) (bool, error) {
	if len(s) == 0 {
		return false, errors.New("username to can not empty")
	}

	if len(s) < 2 {
		return false, errors.New("username to short")
	}

	if len(s) > 20 {
		return false, errors.New("username to long, max 20 characters")
	}

	match, err := regexp.MatchString(`^[a-z0-9][a-z0-9-_]*$`, s)
	if !match || err != nil {
		return false, errors.New("username can only have alphanumeric charater, '-', '_', and can't start with '-' and '_'")
	}

	return true, nil
}

func IsValidUid(s string) bool {
	return govalidator.IsUUID(s)
}

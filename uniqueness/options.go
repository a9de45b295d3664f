package uniqueness

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultMessage is used when neither the index, the plugin options nor the
	// process defaults set a message.
	DefaultMessage = "Error, expected `{PATH}` to be unique. Value: `{VALUE}`"
	// DefaultType classifies uniqueness violations.
	DefaultType = "unique"
)

var errInvalidCode = errors.New("code must be an integer or a string")

// Options configure a Plugin call. Message is a template supporting {PATH},
// {VALUE} and {TYPE}. Type is the error classification. Code, when set, is
// copied onto every violation. Unset options fall back to the process defaults.
type Options struct {
	Message string
	Type    string
	Code    interface{}
	Logger  *zap.Logger
}

var defaults struct {
	sync.RWMutex
	opts Options
}

// SetDefaults replaces the process-wide Message, Type and Code defaults. They
// are read when Plugin runs, so set them before registering schemas. Logger is
// ignored.
func SetDefaults(opts Options) {
	defaults.Lock()
	defaults.opts = Options{Message: opts.Message, Type: opts.Type, Code: opts.Code}
	defaults.Unlock()
}

// CurrentDefaults returns the process-wide defaults.
func CurrentDefaults() Options {
	defaults.RLock()
	defer defaults.RUnlock()
	return defaults.opts
}

// ResetDefaults clears the process-wide defaults.
func ResetDefaults() {
	SetDefaults(Options{})
}

func (o Options) withDefaults() Options {
	d := CurrentDefaults()
	if o.Message == "" {
		o.Message = d.Message
	}
	if o.Message == "" {
		o.Message = DefaultMessage
	}
	if o.Type == "" {
		o.Type = d.Type
	}
	if o.Type == "" {
		o.Type = DefaultType
	}
	if o.Code == nil {
		o.Code = d.Code
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) validate() error {
	switch o.Code.(type) {
	case nil, string, int, int32, int64:
		return nil
	}
	return errors.Wrapf(errInvalidCode, "got %T", o.Code)
}

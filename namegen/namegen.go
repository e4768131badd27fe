package namegen

import (
	"fmt"
	"strings"

	vendor "github.com/anandvarma/namegen"
	"github.com/google/uuid"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// Names identifies one provisioning attempt. Internal is globally unique and
// used for the remote resource; Display is meant for humans.
type Names struct {
	Internal string
	Display  string
}

// Unique returns a fresh pair of names sharing the given prefix. Two calls
// never return the same Internal name.
func Unique(prefix string) Names {
	prefix = strings.Trim(prefix, "-")
	if prefix == "" {
		prefix = "nimbus"
	}

	return Names{
		Internal: fmt.Sprintf("%s-%s", prefix, uuid.NewString()),
		Display:  fmt.Sprintf("%s-%s", prefix, Get()),
	}
}

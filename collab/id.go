package collab

import (
	"github.com/oklog/ulid/v2"
)

// comparable
// ids from the same process are ordered by create time
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

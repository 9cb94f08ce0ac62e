package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var keyCurrentSession = []byte("current")

var _ Storeable = (*DBSession)(nil)

type DBSession struct {
	UserID    string `msgpack:"userId"`
	Role      string `msgpack:"role"`
	Token     string `msgpack:"token"`
	ExpiresAt int64  `msgpack:"expiresAt"` // Unix timestamp (seconds), 0 when the token has no expiry
	SavedAt   int64  `msgpack:"savedAt"`
}

func (s *DBSession) Key() []byte {
	return keyCurrentSession
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

package creds

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBCredentials is the single record persisted between runs: the
// credential pair plus the local username. Cleared on logout.
type DBCredentials struct {
	AccessToken  string `msgpack:"accessToken"`
	RefreshToken string `msgpack:"refreshToken"`
	Username     string `msgpack:"username"`
}

func (c *DBCredentials) Key() []byte {
	return []byte("current")
}

func (c *DBCredentials) MarshalBinary() (data []byte, err error) {
	type alias DBCredentials
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCredentials) UnmarshalBinary(data []byte) error {
	type alias DBCredentials
	return msgpack.Unmarshal(data, (*alias)(c))
}

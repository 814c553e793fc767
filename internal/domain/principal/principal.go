package principal

import (
	"encoding/json"
	"fmt"
)

type PrincipalKind int // principal kind (anonymous|user|token)

const (
	Anonymous PrincipalKind = iota // auth disabled
	User                           // password login, cookie session
	Token                          // bearer token
)

func (k PrincipalKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case User:
		return "user"
	case Token:
		return "token"
	default:
		return "unknown"
	}
}

// MarshalJSON makes PrincipalKind serialize as string
func (k PrincipalKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON makes PrincipalKind deserialize from string
func (k *PrincipalKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "anonymous":
		*k = Anonymous
	case "user":
		*k = User
	case "token":
		*k = Token
	default:
		return fmt.Errorf("invalid PrincipalKind: %s", s)
	}
	return nil
}

type Principal struct {
	ID   string        `json:"id"`   // username for users, "token" for bearer clients
	Kind PrincipalKind `json:"kind"` // string marshaled
}

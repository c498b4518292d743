package queue

import (
	"encoding/json"
	"fmt"

	"coralnet/internal/jobs"
)

// payload carries job arguments in their arg_identifier form so integer
// and string types survive the JSON trip unchanged.
type payload struct {
	Args string `json:"args"`
}

func EncodePayload(args []any) ([]byte, error) {
	id, err := jobs.ArgsToIdentifier(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload{Args: id})
}

func DecodePayload(data []byte) ([]any, error) {
	if len(data) == 0 {
		return []any{}, nil
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return jobs.IdentifierToArgs(p.Args)
}

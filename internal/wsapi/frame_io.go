package wsapi

import (
	"encoding/json"
	"errors"
)

var errQueueFull = errors.New("wsapi: send queue full")

func marshalFrame(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

package frontapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
)

// marshalOrEmpty marshals v, returning nil with no error for a nil map
// (so optional request fields don't force an empty "{}" downstream).
func marshalOrEmpty(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// rawOrNil renders a stored json.RawMessage back into an any so gin
// embeds it unescaped rather than as a quoted string.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return gin.H{}
	}
	return json.RawMessage(raw)
}

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

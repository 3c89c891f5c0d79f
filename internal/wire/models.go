package wire

import (
	"time"

	"github.com/awsl-project/maxxgate/internal/domain"
	"github.com/awsl-project/maxxgate/internal/jsonutil"
)

// EncodeModelList renders ids as the /v1/models list shape for format.
func EncodeModelList(format domain.WireFormat, ids []string) ([]byte, error) {
	switch format {
	case domain.WireFormatGemini:
		models := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			models = append(models, map[string]any{"name": "models/" + id, "displayName": id})
		}
		return jsonutil.Marshal(map[string]any{"models": models})
	default: // OpenAI and Anthropic both use the OpenAI-shaped list envelope
		now := time.Now().Unix()
		data := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			data = append(data, map[string]any{"id": id, "object": "model", "created": now, "owned_by": "maxxgate"})
		}
		return jsonutil.Marshal(map[string]any{"object": "list", "data": data})
	}
}

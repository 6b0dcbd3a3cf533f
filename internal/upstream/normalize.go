package upstream

// StickerInfo is one sticker slot on an inspected item, normalized from the
// upstream wire field names.
type StickerInfo struct {
	Slot      int     `json:"slot"`
	StickerID int     `json:"stickerId"`
	Wear      float64 `json:"wear,omitempty"`
	Scale     float64 `json:"scale,omitempty"`
	Rotation  float64 `json:"rotation,omitempty"`
}

// NormalizedItem is the inspect reply after the renames and defaults
// spec.md's "Inspect completion" paragraph requires.
type NormalizedItem struct {
	DefIndex   int           `json:"defindex"`
	PaintIndex int           `json:"paintindex"`
	Rarity     int           `json:"rarity"`
	Quality    int           `json:"quality"`
	Origin     int           `json:"origin"`
	FloatValue float64       `json:"floatvalue"`
	PaintSeed  int           `json:"paintseed"`
	CustomName string        `json:"customname,omitempty"`
	Stickers   []StickerInfo `json:"stickers,omitempty"`

	// Extra carries any other upstream fields through untouched, so the
	// cache facade and game-data enrichment layer (out of scope here) can
	// see the full payload without this package knowing every field.
	Extra map[string]any `json:"-"`
}

// Normalize applies the wire-to-domain renames: paintwear -> floatvalue,
// paintseed defaults to 0 when absent, and each sticker's sticker_id ->
// stickerId.
func Normalize(raw map[string]any) NormalizedItem {
	out := NormalizedItem{Extra: map[string]any{}}

	for k, v := range raw {
		switch k {
		case "paintwear":
			out.FloatValue = toFloat(v)
		case "paintseed":
			out.PaintSeed = toIntOrZero(v)
		case "defindex":
			out.DefIndex = toIntOrZero(v)
		case "paintindex":
			out.PaintIndex = toIntOrZero(v)
		case "rarity":
			out.Rarity = toIntOrZero(v)
		case "quality":
			out.Quality = toIntOrZero(v)
		case "origin":
			out.Origin = toIntOrZero(v)
		case "customname":
			if s, ok := v.(string); ok {
				out.CustomName = s
			}
		case "stickers":
			out.Stickers = normalizeStickers(v)
		default:
			out.Extra[k] = v
		}
	}
	return out
}

func normalizeStickers(v any) []StickerInfo {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	stickers := make([]StickerInfo, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := StickerInfo{}
		for k, v := range m {
			switch k {
			case "slot":
				s.Slot = toIntOrZero(v)
			case "sticker_id":
				s.StickerID = toIntOrZero(v)
			case "wear":
				s.Wear = toFloat(v)
			case "scale":
				s.Scale = toFloat(v)
			case "rotation":
				s.Rotation = toFloat(v)
			}
		}
		stickers = append(stickers, s)
	}
	return stickers
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func toIntOrZero(v any) int {
	if v == nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

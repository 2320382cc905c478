package provider

import (
	"math/rand"

	"github.com/google/uuid"

	"warmupd/internal/storage"
)

var defaultEmojis = []string{"👍", "❤️", "😂", "😮", "😢", "🙏"}

// buildRequest maps (content, type, target) to a provider endpoint and a
// type-shaped payload. Types without a dedicated endpoint fall back to
// the text shape.
func buildRequest(instanceID, target string, item storage.ContentItem, t storage.MessageType) (string, any) {
	p := item.Payload
	media := p.URL
	if media == "" {
		media = p.Base64
	}

	switch t {
	case storage.TypeImage:
		return "/message/sendImage/" + instanceID, map[string]any{
			"number": target,
			"imageMessage": map[string]any{
				"image":   media,
				"caption": p.Caption,
			},
		}
	case storage.TypeVideo:
		return "/message/sendVideo/" + instanceID, map[string]any{
			"number": target,
			"videoMessage": map[string]any{
				"video":   media,
				"caption": p.Caption,
			},
		}
	case storage.TypeAudio:
		return "/message/sendAudio/" + instanceID, map[string]any{
			"number": target,
			"audioMessage": map[string]any{
				"audio": media,
			},
		}
	case storage.TypeSticker:
		return "/message/sendSticker/" + instanceID, map[string]any{
			"number": target,
			"stickerMessage": map[string]any{
				"sticker": media,
			},
		}
	case storage.TypeButton:
		title := p.Caption
		if title == "" {
			title = "Options"
		}
		return "/message/sendButton/" + instanceID, map[string]any{
			"number": target,
			"buttonMessage": map[string]any{
				"title":       title,
				"description": p.Text,
				"buttons":     []any{map[string]any{"buttonText": p.ButtonText, "url": p.ButtonURL}},
			},
		}
	case storage.TypeList:
		title := p.ListTitle
		if title == "" {
			title = "List"
		}
		return "/message/sendList/" + instanceID, map[string]any{
			"number": target,
			"listMessage": map[string]any{
				"title":       title,
				"description": p.Text,
				"buttonText":  "See options",
				"sections":    p.ListItems,
			},
		}
	case storage.TypeReaction:
		emojis := p.Emojis
		if len(emojis) == 0 {
			emojis = defaultEmojis
		}
		return "/reaction/send/" + instanceID, map[string]any{
			"key": map[string]any{
				"remoteJid": target,
				"fromMe":    false,
				"id":        uuid.NewString(),
			},
			"text": emojis[rand.Intn(len(emojis))],
		}
	default:
		// text, reply and every type without a dedicated endpoint.
		return "/message/sendText/" + instanceID, map[string]any{
			"number": target,
			"textMessage": map[string]any{
				"text": p.Text,
			},
		}
	}
}

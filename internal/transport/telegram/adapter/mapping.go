package adapter

import (
	tele "gopkg.in/telebot.v4"

	kit "chanrelay/internal/transport"
)

// toMessage converts a telebot message. depth bounds how many reply levels
// are followed.
func toMessage(m *tele.Message, depth int) *kit.Message {
	if m == nil {
		return nil
	}
	out := &kit.Message{
		ID:      m.ID,
		Text:    m.Text,
		AlbumID: m.AlbumID,
		Media:   toMedia(m),
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.ChatUsername = m.Chat.Username
		out.ChatTitle = m.Chat.Title
		switch m.Chat.Type {
		case tele.ChatChannel, tele.ChatChannelPrivate:
			out.Channel = true
		case tele.ChatPrivate:
			out.Private = true
		}
	}
	if m.Sender != nil && !out.Channel {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	if depth > 0 && m.ReplyTo != nil {
		out.ReplyTo = toMessage(m.ReplyTo, depth-1)
	}
	return out
}

func toMedia(m *tele.Message) *kit.Media {
	switch {
	case m.Photo != nil:
		return &kit.Media{Kind: kit.MediaPhoto, FileID: m.Photo.FileID, Size: int64(m.Photo.FileSize)}
	case m.Video != nil:
		return &kit.Media{Kind: kit.MediaVideo, FileID: m.Video.FileID, FileName: m.Video.FileName, Size: int64(m.Video.FileSize)}
	case m.Animation != nil:
		return &kit.Media{Kind: kit.MediaVideo, FileID: m.Animation.FileID, FileName: m.Animation.FileName, Size: int64(m.Animation.FileSize)}
	case m.Audio != nil:
		return &kit.Media{Kind: kit.MediaAudio, FileID: m.Audio.FileID, FileName: m.Audio.FileName, Size: int64(m.Audio.FileSize)}
	case m.Voice != nil:
		return &kit.Media{Kind: kit.MediaAudio, FileID: m.Voice.FileID, Size: int64(m.Voice.FileSize)}
	case m.VideoNote != nil:
		return &kit.Media{Kind: kit.MediaDocument, FileID: m.VideoNote.FileID, Size: int64(m.VideoNote.FileSize)}
	case m.Document != nil:
		return &kit.Media{Kind: kit.MediaDocument, FileID: m.Document.FileID, FileName: m.Document.FileName, Size: int64(m.Document.FileSize)}
	}
	return nil
}

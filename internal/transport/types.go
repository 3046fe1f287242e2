package transport

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrResolution is returned when a channel reference cannot be resolved
// against the chat network.
var ErrResolution = errors.New("channel resolution failed")

type UpdateKind string

const (
	// UpdateMessage is a message from a user (private chat or group).
	UpdateMessage UpdateKind = "message"
	// UpdateChannelPost is a post published in a channel.
	UpdateChannelPost UpdateKind = "channel_post"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// MediaKind is the closed set of media variants the relay understands.
type MediaKind int

const (
	MediaDocument MediaKind = iota
	MediaPhoto
	MediaVideo
	MediaAudio
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "document"
	}
}

// ParseMediaKind maps a wire name to a MediaKind. Legacy type names such as
// "MessageMediaPhoto" are accepted; anything unknown is a document.
func ParseMediaKind(s string) MediaKind {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "messagemedia")
	switch s {
	case "photo":
		return MediaPhoto
	case "video":
		return MediaVideo
	case "audio":
		return MediaAudio
	default:
		return MediaDocument
	}
}

// Media describes an attachment on an inbound message. FileID is opaque to
// everything but the adapter that produced it.
type Media struct {
	Kind     MediaKind
	FileID   string
	FileName string
	Size     int64 // 0 when the network did not report it
}

type Message struct {
	ID           int // per-chat sequence id
	ChatID       int64
	ChatUsername string
	ChatTitle    string
	Channel      bool
	Private      bool

	FromID       int64
	FromUsername string

	Text    string // text or caption
	AlbumID string // media group id ("" if ungrouped)
	Media   *Media

	ReplyTo *Message
}

// IsCommand reports whether the message is a slash command sent by a user.
func (m *Message) IsCommand() bool {
	if m == nil || m.Channel || m.FromID == 0 {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(m.Text), "/")
}

type ChatTarget struct {
	ChatID   int64
	Username string // used only when ChatID is 0
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatInfo is what the network knows about a resolved chat.
type ChatInfo struct {
	ID       int64
	Username string
	Title    string
}

// OutboundMedia is a staged file ready to be sent.
type OutboundMedia struct {
	Kind     MediaKind
	Path     string
	FileName string
}

type Notification struct {
	Channel  string // "telegram"
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Resolver turns "@name" or numeric references into chats.
type Resolver interface {
	ResolveChat(ctx context.Context, ref string) (ChatInfo, error)
}

// Downloader streams an inbound attachment into w.
type Downloader interface {
	Download(ctx context.Context, m Media, w io.Writer) error
}

// DocumentSender sends an in-memory file as a document.
type DocumentSender interface {
	SendDocument(ctx context.Context, to ChatTarget, name string, data []byte, caption string) error
}

// MediaSender sends staged files, one at a time or as an album.
type MediaSender interface {
	SendMedia(ctx context.Context, to ChatTarget, item OutboundMedia, caption string) error
	SendAlbum(ctx context.Context, to ChatTarget, items []OutboundMedia, caption string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

package cable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// 频道
const (
	ChannelControl = "CEChannel"
	ChannelPrice   = "PChannel"
)

// 指令
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// 消息类型，数据帧没有 type
const (
	TypeWelcome             = "welcome"
	TypePing                = "ping"
	TypeConfirmSubscription = "confirm_subscription"
	TypeRejectSubscription  = "reject_subscription"
)

// ChannelIdentifier 频道标识；NumericID 为 0 表示不存在（仅价格频道携带）
type ChannelIdentifier struct {
	Channel   string
	NumericID int
}

// ControlIdentifier 全局控制频道
var ControlIdentifier = ChannelIdentifier{Channel: ChannelControl}

// PriceIdentifier 单币种价格频道
func PriceIdentifier(numericID int) ChannelIdentifier {
	return ChannelIdentifier{Channel: ChannelPrice, NumericID: numericID}
}

type identifierWire struct {
	Channel string          `json:"channel"`
	M       json.RawMessage `json:"m,omitempty"`
}

// MarshalJSON {"channel":"PChannel","m":"276"}，m 以字符串编码
func (id ChannelIdentifier) MarshalJSON() ([]byte, error) {
	w := identifierWire{Channel: id.Channel}
	if id.NumericID != 0 {
		w.M = json.RawMessage(strconv.Quote(strconv.Itoa(id.NumericID)))
	}
	return json.Marshal(w)
}

// UnmarshalJSON 接受字符串或数字形式的 m
func (id *ChannelIdentifier) UnmarshalJSON(b []byte) error {
	var w identifierWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	id.Channel = w.Channel
	id.NumericID = 0

	m := bytes.TrimSpace(w.M)
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	raw := string(m)
	if m[0] == '"' {
		if err := json.Unmarshal(m, &raw); err != nil {
			return err
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("identifier m %q: %w", raw, err)
	}
	id.NumericID = n
	return nil
}

func (id ChannelIdentifier) String() string {
	if id.NumericID == 0 {
		return id.Channel
	}
	return fmt.Sprintf("%s(%d)", id.Channel, id.NumericID)
}

// encodeIdentifier 上游协议要求 identifier 双重编码：先序列化为 JSON，再作为字符串值嵌入
func encodeIdentifier(id ChannelIdentifier) (string, error) {
	b, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeIdentifier(s string) (*ChannelIdentifier, error) {
	var id ChannelIdentifier
	if err := json.Unmarshal([]byte(s), &id); err != nil {
		return nil, fmt.Errorf("decode identifier %q: %w", s, err)
	}
	return &id, nil
}

// Command 出站指令帧
type Command struct {
	Command    string
	Identifier ChannelIdentifier
}

type commandWire struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	ident, err := encodeIdentifier(c.Identifier)
	if err != nil {
		return nil, err
	}
	return json.Marshal(commandWire{Command: c.Command, Identifier: ident})
}

func (c *Command) UnmarshalJSON(b []byte) error {
	var w commandWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	id, err := decodeIdentifier(w.Identifier)
	if err != nil {
		return err
	}
	c.Command = w.Command
	c.Identifier = *id
	return nil
}

// Payload 消息体：PingPayload 或 *PricePayload
type Payload interface {
	isPayload()
}

// PingPayload 心跳帧携带的整数
type PingPayload int64

func (PingPayload) isPayload() {}

// PricePayload 价格更新 {"c":<int>,"p":<float>,"r":{<currency>:<float>}}，字段均可缺失
type PricePayload struct {
	CoinID  *int               `json:"c,omitempty"`
	Percent *float64           `json:"p,omitempty"`
	Rates   map[string]float64 `json:"r,omitempty"`
}

func (*PricePayload) isPayload() {}

// Message 入站帧
type Message struct {
	Identifier *ChannelIdentifier
	Type       string
	Payload    Payload
}

type messageWire struct {
	Identifier *string         `json:"identifier,omitempty"`
	Type       string          `json:"type,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	var w messageWire
	if m.Identifier != nil {
		ident, err := encodeIdentifier(*m.Identifier)
		if err != nil {
			return nil, err
		}
		w.Identifier = &ident
	}
	w.Type = m.Type
	switch p := m.Payload.(type) {
	case nil:
	case PingPayload:
		w.Message = json.RawMessage(strconv.FormatInt(int64(p), 10))
	case *PricePayload:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		w.Message = b
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var w messageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message{Type: w.Type}
	if w.Identifier != nil {
		id, err := decodeIdentifier(*w.Identifier)
		if err != nil {
			return err
		}
		m.Identifier = id
	}

	raw := bytes.TrimSpace(w.Message)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	switch {
	case raw[0] == '{':
		var p PricePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode price payload: %w", err)
		}
		m.Payload = &p
	case raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9'):
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("decode ping payload: %w", err)
		}
		m.Payload = PingPayload(n)
	default:
		return fmt.Errorf("unsupported message payload: %s", string(raw))
	}
	return nil
}

// Equal 结构相等（用于匹配确认帧）
func (m Message) Equal(o Message) bool {
	if m.Type != o.Type {
		return false
	}
	if (m.Identifier == nil) != (o.Identifier == nil) {
		return false
	}
	if m.Identifier != nil && *m.Identifier != *o.Identifier {
		return false
	}
	return reflect.DeepEqual(m.Payload, o.Payload)
}

// DecodeMessage 解码一帧入站文本
func DecodeMessage(text string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return Message{}, fmt.Errorf("decode message %q: %w", text, err)
	}
	return m, nil
}

// EncodeCommand 编码一条出站指令
func EncodeCommand(c Command) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var welcomeMessage = Message{Type: TypeWelcome}

func confirmationOf(id ChannelIdentifier) Message {
	return Message{Identifier: &id, Type: TypeConfirmSubscription}
}

func rejectionOf(id ChannelIdentifier) Message {
	return Message{Identifier: &id, Type: TypeRejectSubscription}
}

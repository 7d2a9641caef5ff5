package ws

import "fmt"

// 标准关闭码，见 RFC 6455 §7.4
const (
	CodeNormal         = 1000
	CodeGoingAway      = 1001
	CodeProtocolError  = 1002
	CodeCannotAccept   = 1003
	CodeNotConsistent  = 1007
	CodeViolatedPolicy = 1008
	CodeTooBig         = 1009
	CodeNoExtension    = 1010
	CodeInternalError  = 1011
	CodeServiceRestart = 1012
	CodeTryAgainLater  = 1013
)

var codeNames = map[int]string{
	CodeNormal:         "NORMAL",
	CodeGoingAway:      "GOING_AWAY",
	CodeProtocolError:  "PROTOCOL_ERROR",
	CodeCannotAccept:   "CANNOT_ACCEPT",
	CodeNotConsistent:  "NOT_CONSISTENT",
	CodeViolatedPolicy: "VIOLATED_POLICY",
	CodeTooBig:         "TOO_BIG",
	CodeNoExtension:    "NO_EXTENSION",
	CodeInternalError:  "INTERNAL_ERROR",
	CodeServiceRestart: "SERVICE_RESTART",
	CodeTryAgainLater:  "TRY_AGAIN_LATER",
}

// CodeName 返回关闭码的名称，非标准码返回空串
func CodeName(code int) string {
	return codeNames[code]
}

// CloseReason 连接终止原因
type CloseReason struct {
	Code    int
	Message string
}

func (r CloseReason) String() string {
	name := CodeName(r.Code)
	if name == "" {
		name = fmt.Sprintf("%d", r.Code)
	}
	return fmt.Sprintf("CloseReason(reason=%s, message=%s)", name, r.Message)
}

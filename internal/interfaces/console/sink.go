package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"coinfeed/internal/application/port"
)

// Sink 终端输出：live 行用 \r 原地覆盖，快照行追加带时间戳的历史行
type Sink struct {
	out io.Writer
}

func NewSink() port.Sink { return &Sink{out: os.Stdout} }

// NewSinkTo 输出到指定 writer
func NewSinkTo(w io.Writer) *Sink { return &Sink{out: w} }

func (s *Sink) WriteLive(line string) error {
	_, err := fmt.Fprint(s.out, "\r\033[2K"+line) // no newline
	return err
}

// 打印快照行后留一个空行，live 行在下一次变化时重画
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	_, err := fmt.Fprintf(s.out, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) NewLine() error {
	_, err := fmt.Fprint(s.out, "\n")
	return err
}

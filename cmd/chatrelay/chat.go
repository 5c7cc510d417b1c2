package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/chatrelay/internal/codec"
	"github.com/Tyrowin/chatrelay/internal/probe"
)

// chatTimeLayout is the timestamp the line client stamps on its messages.
const chatTimeLayout = "15:04:05"

var (
	selfStyle  = color.New(color.FgGreen, color.OpBold)
	peerStyle  = color.New(color.FgCyan, color.OpBold)
	stampStyle = color.New(color.FgWhite)
)

func chatCmd() *cobra.Command {
	var (
		sender    string
		codecName string
		origin    string
	)

	cmd := &cobra.Command{
		Use:   "chat [addr]",
		Short: "Join the relay from the terminal",
		Long: `Read lines from stdin and send each one as a message; print every
message the relay delivers.

Examples:
  chatrelay chat --name=alice
  chatrelay chat ws://127.0.0.1:8080/ws --name=bob --codec=binary`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := "127.0.0.1:7777"
			if len(args) == 1 {
				addr = args[0]
			}
			c, err := codec.ByName(codecName)
			if err != nil {
				return err
			}
			if sender == "" {
				sender, _ = os.Hostname()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			conn, err := probe.Dial(ctx, addr, origin)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Connected to %s as %s\n", addr, selfStyle.Render(sender))
			return runChat(ctx, conn, c, sender, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&sender, "name", "n", "", "Sender id (default hostname)")
	cmd.Flags().StringVarP(&codecName, "codec", "c", "text", "Wire codec: text or binary")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header for ws:// addresses")

	return cmd
}

// runChat pumps lines from in to conn and messages from conn to out until
// in is exhausted, the relay hangs up or ctx is done. It owns conn.
func runChat(ctx context.Context, conn net.Conn, c codec.Codec, sender string, in io.Reader, out io.Writer) error {
	out = &syncWriter{w: out}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	stopOnCancel := context.AfterFunc(ctx, closeConn)
	defer stopOnCancel()

	received := make(chan error, 1)
	go func() {
		reader := codec.NewReader(conn, c, codec.DefaultMaxFrameSize)
		for {
			msg, err := reader.Next()
			if errors.Is(err, codec.ErrFormat) {
				continue
			}
			if err != nil {
				received <- err
				return
			}
			printMessage(out, msg, sender)
		}
	}()

	lines := bufio.NewScanner(in)
	for lines.Scan() {
		body := strings.TrimSpace(lines.Text())
		if body == "" {
			continue
		}
		msg := codec.Message{SenderID: sender, Timestamp: time.Now().Format(chatTimeLayout), Body: body}
		if err := codec.WriteMessage(conn, c, msg); err != nil {
			if errors.Is(err, codec.ErrInvalidField) {
				fmt.Fprintf(out, "%s %v\n", color.Yellow.Render("not sent:"), err)
				continue
			}
			return err
		}
	}
	if err := lines.Err(); err != nil {
		return hangupError(ctx, err)
	}
	if ctx.Err() != nil {
		return nil
	}

	// stdin is done; give the relay a moment to echo the last lines back
	select {
	case err := <-received:
		return hangupError(ctx, err)
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func hangupError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func printMessage(out io.Writer, msg codec.Message, self string) {
	style := peerStyle
	if msg.SenderID == self {
		style = selfStyle
	}
	fmt.Fprintf(out, "%s %s: %s\n", stampStyle.Render("["+msg.Timestamp+"]"), style.Render(msg.SenderID), msg.Body)
}

// syncWriter serializes output from the reader and the input loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

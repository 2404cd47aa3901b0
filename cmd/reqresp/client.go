package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/glimte/mmate-reqresp/messaging"
	"github.com/spf13/cobra"
)

// requester is the part of the client used by the commands
type requester interface {
	PerformRequest(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error)
}

func newClientCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Send each line read from stdin as a request",
		Long:  `Reads lines from stdin and sends each one as a request to the configured topic. Enter q to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer session.Close()

			client, err := session.NewClient(a.cfg.Topic)
			if err != nil {
				return err
			}
			err = requestLoop(ctx, client, session.Done(), cmd.InOrStdin(), cmd.OutOrStdout(), a.cfg.Timeout)
			if errors.Is(err, errConnectionLost) {
				return connectionLost(session)
			}
			return err
		},
	}
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping [payload]",
		Short: "Send one request and print the response",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "ping"
			if len(args) == 1 {
				payload = args[0]
			}

			session, err := a.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer session.Close()

			client, err := session.NewClient(a.cfg.Topic)
			if err != nil {
				return err
			}
			return ping(cmd.Context(), client, payload, cmd.OutOrStdout(), a.cfg.Timeout)
		},
	}
}

// requestLoop sends each input line until EOF, q, ctx ends or lost is
// closed. Timeouts are reported and the loop goes on; any other failure ends it.
func requestLoop(ctx context.Context, client requester, lost <-chan struct{}, in io.Reader, out io.Writer, timeout time.Duration) error {
	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(in, stop)

	for {
		fmt.Fprintf(out, "%s ", color.CyanString("request>"))

		var line inputLine
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case <-lost:
			fmt.Fprintln(out)
			return errConnectionLost
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = l
		}
		if line.err != nil {
			return line.err
		}

		text := strings.TrimSpace(line.text)
		switch text {
		case "":
			continue
		case "q":
			return nil
		}

		reply, err := client.PerformRequest(ctx, []byte(text), timeout)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s %s\n", color.GreenString("response:"), reply)
		case messaging.IsTimeout(err):
			fmt.Fprintln(out, color.YellowString("no response within %s", timeout))
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	}
}

type inputLine struct {
	text string
	err  error
}

// readLines scans in on its own goroutine so a blocked read cannot hold up
// the caller. It stops sending once stop is closed.
func readLines(in io.Reader, stop <-chan struct{}) <-chan inputLine {
	lines := make(chan inputLine)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- inputLine{text: scanner.Text()}:
			case <-stop:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- inputLine{err: err}:
			case <-stop:
			}
		}
	}()
	return lines
}

// ping sends a single request; a timeout is returned as an error
func ping(ctx context.Context, client requester, payload string, out io.Writer, timeout time.Duration) error {
	start := time.Now()
	reply, err := client.PerformRequest(ctx, []byte(payload), timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (%s)\n", reply, time.Since(start).Round(time.Millisecond))
	return nil
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/normanking/voicecore/internal/bus"
	"github.com/normanking/voicecore/internal/conversation"
	"github.com/normanking/voicecore/internal/flow"
	"github.com/normanking/voicecore/internal/messages"
	"github.com/normanking/voicecore/internal/recovery"
)

var (
	stateStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

const simulateHelp = `Type what the user says, or one of:
  /respond <text>     hand the session a response to speak
  /synth              synthesize the current response
  /audio <text>       send <text> as audio through the recognizer
  /speech             voice activity without a usable transcript
  /noise              background noise
  /notify             a device notification sound
  /silence            an empty turn (checks the silence timeout)
  /fail asr|tts <err> [n]  make the primary engine fail n times
  /status             show the session
  /new                end the session and start another
  /help               this text
  /quit               exit`

func simulateCmd() *cobra.Command {
	var (
		sessionID string
		events    bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a voice session interactively with simulated engines",
		Long: `Runs one voice session against simulated speech engines. Each line of
input is a user turn; slash commands inject signals and engine faults.

` + simulateHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			asr, tts := &faults{}, &faults{}
			a, err := newApp(ctx, cfg, log, simulatedEngines(asr, tts))
			if err != nil {
				return err
			}
			defer a.Close()

			sim := &simulator{
				app:       a,
				out:       cmd.OutOrStdout(),
				sessionID: sessionID,
				asr:       asr,
				tts:       tts,
			}
			if events {
				sim.watchEvents()
			}
			a.manager.Start()
			return sim.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "sim", "session id")
	cmd.Flags().BoolVar(&events, "events", false, "print bus events as they happen")
	return cmd
}

type simulator struct {
	app       *app
	out       io.Writer
	sessionID string
	asr, tts  *faults
}

func (s *simulator) watchEvents() {
	types := []bus.EventType{
		bus.EventSessionStarted, bus.EventSessionEnded, bus.EventSessionExpired,
		bus.EventStateChanged, bus.EventInterruption, bus.EventCommand, bus.EventResponse,
		bus.EventRecoverySucceeded, bus.EventRecoveryDegraded,
	}
	s.app.manager.Bus().SubscribeMultiple(types, func(e bus.Event) {
		fmt.Fprintln(s.out, dimStyle.Render(fmt.Sprintf("  · %s %v", e.Type, e.Data)))
	})
}

func (s *simulator) run(ctx context.Context, in io.Reader) error {
	m := s.app.manager
	if _, err := m.StartSession(s.sessionID); err != nil {
		return err
	}
	fmt.Fprintln(s.out, stateStyle.Render("voicecore simulator")+" "+dimStyle.Render("(/help for commands)"))
	s.prompt()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
			s.prompt()
		}
	}
}

func (s *simulator) prompt() {
	state := "ended"
	if snap, err := s.app.manager.SessionStatus(s.sessionID); err == nil {
		state = snap.State.String()
	}
	fmt.Fprint(s.out, stateStyle.Render("["+state+"]")+" > ")
}

// handle runs one line of input and reports whether to quit.
func (s *simulator) handle(ctx context.Context, line string) bool {
	m := s.app.manager
	if !strings.HasPrefix(line, "/") {
		if line == "" {
			return false
		}
		s.turn(m.ProcessVoiceInput(ctx, s.sessionID, flow.VoiceInput{Transcript: line, SpeechDetected: true}))
		return false
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "/respond":
		if rest == "" {
			rest = "Here is a short answer to your question."
		}
		s.turn(m.StartAIResponse(s.sessionID, rest))
	case "/synth":
		s.synth(ctx)
	case "/audio":
		s.turn(m.ProcessVoiceInput(ctx, s.sessionID, flow.VoiceInput{Audio: []byte(rest), AudioFormat: "text", SpeechDetected: true}))
	case "/speech":
		s.turn(m.ProcessVoiceInput(ctx, s.sessionID, flow.VoiceInput{SpeechDetected: true}))
	case "/noise":
		s.turn(m.ProcessVoiceInput(ctx, s.sessionID, flow.VoiceInput{Noisy: true}))
	case "/notify":
		s.turn(m.ProcessVoiceInput(ctx, s.sessionID, flow.VoiceInput{DeviceNotification: true}))
	case "/silence":
		s.turn(m.ProcessVoiceInput(ctx, s.sessionID, flow.VoiceInput{}))
	case "/fail":
		s.fail(rest)
	case "/status":
		s.status()
	case "/new":
		m.EndSession(s.sessionID)
		if _, err := m.StartSession(s.sessionID); err != nil {
			fmt.Fprintln(s.out, errorStyle.Render(err.Error()))
		}
	case "/help":
		fmt.Fprintln(s.out, dimStyle.Render(simulateHelp))
	case "/quit", "/exit", "/q":
		return true
	default:
		fmt.Fprintln(s.out, warnStyle.Render("unknown command "+name+" (/help for commands)"))
	}
	return false
}

func (s *simulator) language() string {
	if snap, err := s.app.manager.SessionStatus(s.sessionID); err == nil {
		return snap.VoiceSettings.Language()
	}
	return messages.DefaultLanguage
}

func (s *simulator) turn(res *flow.TurnResult, err error) {
	if err != nil {
		fmt.Fprintln(s.out, errorStyle.Render(err.Error()))
		return
	}
	if res.Transcript != "" {
		fmt.Fprintln(s.out, dimStyle.Render("  heard: "+res.Transcript))
	}
	if ev := res.Interruption; ev != nil {
		fmt.Fprintln(s.out, warnStyle.Render(fmt.Sprintf("  interruption: %s (%.2f, resume=%t)", ev.Kind, ev.Confidence, ev.ShouldResume)))
	}
	if c := res.Command; c != nil {
		fmt.Fprintln(s.out, dimStyle.Render(fmt.Sprintf("  command: %s (%.2f)", c.Command, c.Confidence)))
	}
	for _, t := range res.Transitions {
		mark := "→"
		if !t.Applied {
			mark = "✗"
		}
		fmt.Fprintln(s.out, dimStyle.Render(fmt.Sprintf("  %s %s %s (%s)", t.From, mark, t.To, t.Trigger)))
	}
	if res.Recovery != nil {
		s.recovery(res.Recovery)
	}
	s.directive(res.Directive)
}

func (s *simulator) directive(d flow.Directive) {
	if d.Action == flow.ActionNone && d.Message.Key == "" {
		return
	}
	line := "  " + d.Action.String()
	if d.ResumeFrom > 0 {
		line += " @ " + d.ResumeFrom.String()
	}
	fmt.Fprintln(s.out, stateStyle.Render(line))
	if d.Message.Key != "" {
		fmt.Fprintln(s.out, assistantStyle.Render("  assistant: "+s.app.catalog.Render(s.language(), d.Message)))
	}
	if d.Text != "" {
		fmt.Fprintln(s.out, assistantStyle.Render("  (text) "+d.Text))
	}
}

func (s *simulator) recovery(r *recovery.Result) {
	style := assistantStyle
	if r.Degraded {
		style = warnStyle
	}
	fmt.Fprintln(s.out, style.Render(fmt.Sprintf("  recovery: %s via %s, success=%t attempts=%d mode=%q",
		r.Kind, r.Strategy, r.Success, r.Attempts, r.FallbackMode)))
	for _, o := range r.Outcomes {
		detail := o.Error
		if o.Skipped {
			detail = "skipped: " + o.SkipReason
		}
		fmt.Fprintln(s.out, dimStyle.Render(fmt.Sprintf("    %s %s", o.Strategy, detail)))
	}
	lang := s.language()
	for _, k := range r.Suggestions {
		fmt.Fprintln(s.out, dimStyle.Render("    tip: "+s.app.catalog.Render(lang, messages.New(k))))
	}
}

func (s *simulator) synth(ctx context.Context) {
	res, err := s.app.manager.SynthesizeResponse(ctx, s.sessionID, recovery.Hints{})
	if err != nil {
		fmt.Fprintln(s.out, errorStyle.Render(err.Error()))
		return
	}
	if res.Speech != nil {
		src := res.Speech.Engine
		if res.Cached {
			src = "cache"
		}
		fmt.Fprintln(s.out, assistantStyle.Render(fmt.Sprintf("  speech: %d bytes %s from %s", len(res.Speech.Audio), res.Speech.Format, src)))
	}
	if res.Recovery != nil {
		s.recovery(res.Recovery)
	}
	s.directive(res.Directive)
}

func (s *simulator) fail(args string) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		fmt.Fprintln(s.out, warnStyle.Render("usage: /fail asr|tts <"+strings.Join(engineErrorNames(), "|")+"> [n]"))
		return
	}
	err, ok := engineErrors[fields[1]]
	if !ok {
		fmt.Fprintln(s.out, warnStyle.Render("unknown error "+fields[1]))
		return
	}
	n := 1
	if len(fields) > 2 {
		if v, perr := strconv.Atoi(fields[2]); perr == nil && v > 0 {
			n = v
		}
	}
	switch fields[0] {
	case "asr":
		s.asr.push(err, n)
	case "tts":
		s.tts.push(err, n)
	default:
		fmt.Fprintln(s.out, warnStyle.Render("engine must be asr or tts"))
		return
	}
	fmt.Fprintln(s.out, dimStyle.Render(fmt.Sprintf("  %s will fail %d time(s) with %v", fields[0], n, err)))
}

func (s *simulator) status() {
	snap, err := s.app.manager.SessionStatus(s.sessionID)
	if err != nil {
		fmt.Fprintln(s.out, errorStyle.Render(err.Error()))
		return
	}
	rows := [][2]string{
		{"session", snap.SessionID},
		{"state", snap.State.String()},
		{"in state", snap.StateEnteredAt.Format("15:04:05")},
		{"response", snap.CurrentResponseText},
		{"position", snap.ResponsePosition.String()},
		{"interruptions", strconv.Itoa(snap.InterruptionCount)},
		{"language", snap.VoiceSettings.Language()},
		{"volume", snap.VoiceSettings[conversation.SettingVolume]},
		{"speed", snap.VoiceSettings[conversation.SettingSpeed]},
		{"fallback", snap.FallbackMode},
		{"history", strconv.Itoa(snap.HistoryLength)},
	}
	for _, r := range rows {
		fmt.Fprintf(s.out, "  %s %s\n", dimStyle.Render(fmt.Sprintf("%-14s", r[0])), r[1])
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebridge/telesync/internal/kurrentdb"
	"github.com/carebridge/telesync/internal/livesync"
	"github.com/carebridge/telesync/internal/realtime"
	"github.com/carebridge/telesync/internal/shared/auth"
	"github.com/carebridge/telesync/internal/shared/config"
	"github.com/carebridge/telesync/internal/shared/events"
	"github.com/carebridge/telesync/internal/shared/logging"
	"github.com/carebridge/telesync/internal/telehealth"
)

// session is a signed-in client of a running server: one realtime
// connection, the subscription registry and write dispatcher over it, and
// the error channel they report to.
type session struct {
	cfg  *config.Config
	log  zerolog.Logger
	user *auth.User
	conn *realtime.Client
	errs *events.Channel
	reg  *livesync.Registry
	disp *livesync.Dispatcher
	kdb  *kurrentdb.Client
	fwd  *kurrentdb.Forwarder

	mu     sync.Mutex
	failed []events.Event
}

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "", "Realtime server URL (default TELESYNC_SERVER_URL)")
	cmd.PersistentFlags().String("token", "", "Access token (default TELESYNC_TOKEN)")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "How long to wait for the server")
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Server.Env)

	serverURL, _ := cmd.Flags().GetString("server")
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.Client.Token
	}
	if token == "" {
		return nil, fmt.Errorf("no access token: pass --token or set TELESYNC_TOKEN")
	}

	user, err := auth.ParseToken(cfg.Auth, token)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	dialCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	conn, err := realtime.Dial(dialCtx, serverURL, token, realtime.WithClientLogger(log))
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, log: log, user: user, conn: conn, errs: events.NewChannel(log)}
	s.errs.Subscribe(s.record)

	if cfg.KurrentDB.Enabled {
		s.attachForwarder(cmd.Context())
	}

	ctx := auth.WithUser(context.Background(), user)
	s.reg = livesync.NewRegistry(ctx, conn, s.errs, livesync.WithLogger(log))
	s.disp = livesync.NewDispatcher(ctx, conn, s.errs,
		livesync.WithWorkers(cfg.Sync.WriteWorkers),
		livesync.WithRateLimit(cfg.Sync.WriteRate, cfg.Sync.WriteBurst),
		livesync.WithWriteTimeout(cfg.Sync.WriteTimeout),
		livesync.WithDispatcherLogger(log),
	)
	return s, nil
}

// attachForwarder ships error events to KurrentDB. An unreachable
// KurrentDB only costs the central copy.
func (s *session) attachForwarder(ctx context.Context) {
	client, err := kurrentdb.NewClient(kurrentdb.FromConfig(s.cfg.KurrentDB))
	if err != nil {
		s.log.Warn().Err(err).Msg("kurrentdb not available, error events stay local")
		return
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		s.log.Warn().Err(err).Msg("kurrentdb not available, error events stay local")
		return
	}
	s.kdb = client
	s.fwd = kurrentdb.NewForwarder(client, client.ErrorStream(), kurrentdb.WithForwarderLogger(s.log))
	s.fwd.Attach(s.errs)
}

func (s *session) record(e events.Event) {
	s.mu.Lock()
	s.failed = append(s.failed, e)
	s.mu.Unlock()
	fmt.Fprintf(os.Stderr, "%s %s %s: %s (%s)\n", e.Type, e.Operation, e.Path, e.Message, e.Code)
}

// flush waits for dispatched writes and reports whether any failed.
func (s *session) flush(ctx context.Context) error {
	if err := s.disp.Close(ctx); err != nil {
		return fmt.Errorf("writes still pending: %w", err)
	}
	s.mu.Lock()
	n := len(s.failed)
	s.mu.Unlock()
	if n > 0 {
		return fmt.Errorf("%d operation(s) failed", n)
	}
	return nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.disp.Close(ctx)
	if s.fwd != nil {
		s.fwd.Close(ctx)
	}
	if s.kdb != nil {
		s.kdb.Close()
	}
	s.errs.Close()
	s.conn.Close()
}

// waitLoaded blocks until loading reports false.
func (s *session) waitLoaded(ctx context.Context, changes <-chan struct{}, loading func() bool) error {
	for loading() {
		select {
		case <-changes:
		case <-s.conn.Done():
			return s.conn.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// watch calls render on every change until interrupted or disconnected.
func (s *session) watch(cmd *cobra.Command, changes <-chan struct{}, render func()) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	render()
	for {
		select {
		case <-changes:
			render()
		case <-s.conn.Done():
			return s.conn.Err()
		case <-ctx.Done():
			return nil
		}
	}
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Work with the signed-in CHW's task board",
	}
	addClientFlags(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the task board once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTaskBoard(cmd, func(s *session, board *telehealth.TaskBoard) error {
				timeout, _ := cmd.Flags().GetDuration("timeout")
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				if err := s.waitLoaded(ctx, board.Changes(), func() bool { return board.State().Loading }); err != nil {
					return err
				}
				st := board.State()
				if st.Err != nil {
					return st.Err
				}
				printTasks(st)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Print the task board on every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTaskBoard(cmd, func(s *session, board *telehealth.TaskBoard) error {
				return s.watch(cmd, board.Changes(), func() {
					st := board.State()
					switch {
					case st.Loading:
						fmt.Println("Loading tasks...")
					case st.Err != nil:
						fmt.Printf("Tasks unavailable: %v\n", st.Err)
					default:
						printTasks(st)
					}
				})
			})
		},
	})

	add := &cobra.Command{
		Use:   "add TITLE",
		Short: "Add a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, _ := cmd.Flags().GetString("priority")
			description, _ := cmd.Flags().GetString("description")
			patient, _ := cmd.Flags().GetString("patient")
			due, _ := cmd.Flags().GetString("due")

			t := telehealth.NewTask{Title: args[0], Description: description, PatientID: patient, Priority: priority}
			if due != "" {
				d, err := time.Parse("2006-01-02", due)
				if err != nil {
					return fmt.Errorf("invalid --due date %q, want YYYY-MM-DD", due)
				}
				t.DueDate = &d
			}

			return withTaskBoard(cmd, func(s *session, board *telehealth.TaskBoard) error {
				if err := board.Add(t); err != nil {
					return err
				}
				return s.flush(cmd.Context())
			})
		},
	}
	add.Flags().String("priority", telehealth.PriorityMedium, "Low, Medium or High")
	add.Flags().String("description", "", "Task description")
	add.Flags().String("patient", "", "Patient id the task is about")
	add.Flags().String("due", "", "Due date (YYYY-MM-DD)")
	cmd.AddCommand(add)

	done := &cobra.Command{
		Use:   "done TASK_ID",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			undo, _ := cmd.Flags().GetBool("undo")
			return withTaskBoard(cmd, func(s *session, board *telehealth.TaskBoard) error {
				if err := board.SetDone(args[0], !undo); err != nil {
					return err
				}
				return s.flush(cmd.Context())
			})
		},
	}
	done.Flags().Bool("undo", false, "Move the task back to pending")
	cmd.AddCommand(done)

	return cmd
}

func withTaskBoard(cmd *cobra.Command, fn func(*session, *telehealth.TaskBoard) error) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	board := telehealth.NewTaskBoard(s.reg, s.disp)
	defer board.Close()
	if err := board.Bind(s.user); err != nil {
		return err
	}
	return fn(s, board)
}

func printTasks(st telehealth.TaskBoardState) {
	section := func(title string, tasks []telehealth.Task) {
		fmt.Printf("%s (%d)\n", title, len(tasks))
		for _, t := range tasks {
			due := "-"
			if t.DueDate != nil {
				due = t.DueDate.Format("2006-01-02")
			}
			fmt.Printf("  %-22s %-8s %-10s %s\n", t.ID, t.Priority, due, t.Title)
		}
	}
	section("Overdue", st.Overdue)
	section("Pending", st.Pending)
	section("Completed", st.Completed)
	if st.Invalid != nil {
		fmt.Printf("Skipped invalid tasks: %v\n", st.Invalid)
	}
}

func referralsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "referrals",
		Short: "Work with the signed-in specialist's referral inbox",
	}
	addClientFlags(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Print the referral inbox on every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			if s.user.Role != auth.RoleSpecialist {
				return fmt.Errorf("referral inbox is for specialists, signed in as %s", s.user.Role)
			}

			inbox := telehealth.NewReferralInbox(s.reg, s.disp)
			defer inbox.Close()
			if err := inbox.Bind(s.user); err != nil {
				return err
			}
			return s.watch(cmd, inbox.Changes(), func() {
				st := inbox.State()
				switch {
				case st.Loading:
					fmt.Println("Loading referrals...")
				case st.Err != nil:
					fmt.Printf("Referrals unavailable: %v\n", st.Err)
				default:
					printReferrals(st)
				}
			})
		},
	})

	for _, action := range []string{"accept", "reject", "complete"} {
		cmd.AddCommand(referralActionCmd(action))
	}
	return cmd
}

func referralActionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " REFERRAL_ID",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a referral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			inbox := telehealth.NewReferralInbox(s.reg, s.disp)
			defer inbox.Close()
			switch action {
			case "accept":
				inbox.Accept(args[0])
			case "reject":
				inbox.Reject(args[0])
			case "complete":
				inbox.Complete(args[0])
			}
			return s.flush(cmd.Context())
		},
	}
}

func printReferrals(st telehealth.ReferralInboxState) {
	section := func(title string, refs []telehealth.Referral) {
		fmt.Printf("%s (%d)\n", title, len(refs))
		for _, r := range refs {
			fmt.Printf("  %-22s %-10s %-20s %s\n", r.ID, r.Status, r.PatientName, r.Notes)
		}
	}
	section("Pending", st.Pending)
	section("Active", st.Active)
	section("Closed", st.Closed)
	if st.Invalid != nil {
		fmt.Printf("Skipped invalid referrals: %v\n", st.Invalid)
	}
}

func errorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect sync error events forwarded to KurrentDB",
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent error events",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetUint64("count")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := kurrentdb.NewClient(kurrentdb.FromConfig(cfg.KurrentDB))
			if err != nil {
				return err
			}
			defer client.Close()

			recent, err := client.ReadRecent(cmd.Context(), client.ErrorStream(), count)
			if err != nil {
				return err
			}
			if len(recent) == 0 {
				fmt.Printf("No events in %s\n", client.ErrorStream())
				return nil
			}
			for _, r := range recent {
				e, err := kurrentdb.DecodeEvent(r)
				if err != nil {
					fmt.Printf("%-36s <undecodable: %v>\n", r.EventID, err)
					continue
				}
				fmt.Printf("%s %-26s %-8s %-20s %-32s actor=%s %s\n",
					e.Timestamp.Format(time.RFC3339), e.Type, e.Operation, e.Code, e.Path, e.ActorID, e.Message)
			}
			return nil
		},
	}
	tail.Flags().Uint64("count", 20, "Number of events to show")
	cmd.AddCommand(tail)
	return cmd
}

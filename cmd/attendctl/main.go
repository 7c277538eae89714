package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"schoolsync/internal/attendance"
	"schoolsync/internal/config"
	"schoolsync/internal/gateway"
	"schoolsync/internal/journal"
	"schoolsync/internal/session"
	"schoolsync/internal/store"
)

// attendctl loads the attendance draft for a class and date, applies
// per-student overrides, prints the result, and optionally submits the
// day's record.
func main() {
	var (
		classID = flag.String("class", "", "class id (required)")
		day     = flag.String("date", time.Now().Format("2006-01-02"), "date (YYYY-MM-DD)")
		submit  = flag.Bool("submit", false, "submit the record after applying overrides")
		sets    overrideFlags
	)
	flag.Var(&sets, "set", "status override STUDENT=STATUS (repeatable; STATUS is Present, Absent or OD)")
	flag.Parse()

	if *classID == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*classID, *day, *submit, sets); err != nil {
		log.Fatalf("attendctl: %v", err)
	}
}

func run(classID, day string, submit bool, sets overrideFlags) error {
	cfg := config.Load()
	ctx := context.Background()

	date, err := time.Parse("2006-01-02", day)
	if err != nil {
		return fmt.Errorf("invalid -date: %w", err)
	}

	sess, err := loadSession(ctx, cfg)
	if err != nil {
		return err
	}
	if sess.Expired(time.Now()) {
		return errors.New("session token is expired; log in again")
	}

	gw := gateway.New(cfg.APIBaseURL, func() string { return sess.Token }, cfg.APITimeout)
	engine := attendance.NewEngine(gw, sess)

	draft, err := engine.LoadDraft(ctx, classID, date)
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}

	for _, ov := range sets {
		if err := draft.SetStatus(ov.student, ov.status); err != nil {
			return fmt.Errorf("set %s=%s: %w", ov.student, ov.status, err)
		}
	}

	printDraft(draft)

	if !submit {
		return nil
	}
	if err := engine.Submit(ctx, draft); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("submitted %d students for class %s on %s\n", draft.Len(), classID, draft.Date)

	if cfg.DatabaseURL != "" {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Printf("warning: journal db not reachable: %v", err)
			return nil
		}
		defer db.Close()
		jr := journal.NewRepository(db.Client)
		if err := jr.RecordSubmission(ctx, classID, sess.User.ID, draft.Date, draft.Len()); err != nil {
			log.Printf("warning: journal record failed: %v", err)
		}
	}
	return nil
}

func printDraft(d *attendance.Draft) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STUDENT\tNAME\tSTATUS")
	for _, s := range d.Roster() {
		st, _ := d.Status(s.ID)
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Name, st)
	}
	w.Flush()
}

func loadSession(ctx context.Context, cfg config.App) (session.Session, error) {
	if cfg.SessionToken != "" {
		claims, err := session.TokenClaims(cfg.SessionToken)
		if err != nil {
			return session.Session{}, err
		}
		return session.Session{
			Token: cfg.SessionToken,
			User:  session.Identity{ID: claims.Subject, Role: claims.Role},
		}, nil
	}
	if cfg.SessionBackend == "memory" {
		return session.Session{}, errors.New("no SESSION_TOKEN and session backend is memory; nothing to load")
	}
	return session.Load(ctx, session.NewRedisStore(cfg.RedisAddr))
}

type override struct {
	student string
	status  attendance.Status
}

// overrideFlags collects repeated -set STUDENT=STATUS flags.
type overrideFlags []override

func (o *overrideFlags) String() string {
	parts := make([]string, len(*o))
	for i, ov := range *o {
		parts[i] = ov.student + "=" + string(ov.status)
	}
	return strings.Join(parts, ",")
}

func (o *overrideFlags) Set(value string) error {
	student, status, ok := strings.Cut(value, "=")
	if !ok || student == "" {
		return fmt.Errorf("expected STUDENT=STATUS, got %q", value)
	}
	st := attendance.Status(status)
	if !st.Valid() {
		return fmt.Errorf("status must be Present, Absent or OD, got %q", status)
	}
	*o = append(*o, override{student: student, status: st})
	return nil
}

// Package billingtest wires the billing services against an in-memory SQLite
// database for tests.
package billingtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	auditrepository "github.com/smallbiznis/carebill/internal/audit/repository"
	auditservice "github.com/smallbiznis/carebill/internal/audit/service"
	"github.com/smallbiznis/carebill/internal/auditcontext"
	"github.com/smallbiznis/carebill/internal/clock"
	"github.com/smallbiznis/carebill/internal/config"
	escalationdomain "github.com/smallbiznis/carebill/internal/escalation/domain"
	escalationrepository "github.com/smallbiznis/carebill/internal/escalation/repository"
	escalationservice "github.com/smallbiznis/carebill/internal/escalation/service"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/carebill/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/carebill/internal/invoice/service"
	ledgerdomain "github.com/smallbiznis/carebill/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/carebill/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/carebill/internal/ledger/service"
	"github.com/smallbiznis/carebill/internal/migration"
	"github.com/smallbiznis/carebill/internal/orgcontext"
	reminderdomain "github.com/smallbiznis/carebill/internal/reminder/domain"
	reminderrepository "github.com/smallbiznis/carebill/internal/reminder/repository"
	reminderservice "github.com/smallbiznis/carebill/internal/reminder/service"
	"github.com/smallbiznis/carebill/pkg/db"
)

// Start is the fixture clock's initial instant.
var Start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

var dbSeq atomic.Int64

// Fixture is a fully wired set of billing services sharing one database.
type Fixture struct {
	DB         *gorm.DB
	Node       *snowflake.Node
	Clock      *clock.FakeClock
	Escalation *config.EscalationConfigHolder
	Notifier   *RecordingNotifier
	TenantID   snowflake.ID

	InvoiceRepo invoicedomain.Repository
	LedgerRepo  ledgerdomain.Repository

	Audit       auditdomain.Service
	Invoices    invoicedomain.Service
	Ledger      ledgerdomain.Service
	Escalations escalationdomain.Service
	Reminders   reminderdomain.Service
}

type options struct {
	maxOpenConns int
	maxRetries   int
}

// Option adjusts how New builds the fixture.
type Option func(*options)

// WithMaxOpenConns lets up to n transactions hold their own connection, so
// concurrent mutations really interleave. The default of 1 serializes them.
func WithMaxOpenConns(n int) Option {
	return func(o *options) { o.maxOpenConns = n }
}

// WithMaxRetries sets the conflict retry budget of every service.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// New opens a private in-memory database, migrates it and builds every
// service on top.
func New(t testing.TB, opts ...Option) *Fixture {
	t.Helper()
	o := options{maxOpenConns: 1, maxRetries: 5}
	for _, opt := range opts {
		opt(&o)
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(o.maxOpenConns)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	holder, err := config.NewStaticEscalationConfigHolder(config.DefaultEscalationConfig())
	if err != nil {
		t.Fatalf("escalation config: %v", err)
	}

	f := &Fixture{
		DB:          conn,
		Node:        node,
		Clock:       clock.NewFakeClock(Start),
		Escalation:  holder,
		Notifier:    &RecordingNotifier{},
		TenantID:    node.Generate(),
		InvoiceRepo: invoicerepository.Provide(),
		LedgerRepo:  ledgerrepository.Provide(),
	}

	log := zap.NewNop()
	retry := db.RetryConfig{MaxRetries: o.maxRetries, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	f.Audit = auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Repo:  auditrepository.Provide(),
		Clock: f.Clock,
	})
	f.Invoices = invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:         conn,
		Log:        log,
		GenID:      node,
		Clock:      f.Clock,
		Retry:      retry,
		Escalation: holder,
		Repo:       f.InvoiceRepo,
		AuditSvc:   f.Audit,
	})
	f.Ledger = ledgerservice.NewService(ledgerservice.Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Clock:       f.Clock,
		Retry:       retry,
		Escalation:  holder,
		Repo:        f.LedgerRepo,
		InvoiceRepo: f.InvoiceRepo,
		AuditSvc:    f.Audit,
	})
	f.Escalations = escalationservice.NewService(escalationservice.Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Clock:       f.Clock,
		Retry:       retry,
		Escalation:  holder,
		Repo:        escalationrepository.Provide(),
		InvoiceRepo: f.InvoiceRepo,
		AuditSvc:    f.Audit,
	})
	f.Reminders = reminderservice.NewService(reminderservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: f.Clock,
		Cfg: config.Config{
			Notifier:  config.NotifierConfig{Timeout: time.Second, MaxAttempts: 3},
			Scheduler: config.SchedulerConfig{SweepBatchSize: 2, SweepConcurrency: 4},
		},
		Retry:       retry,
		Escalation:  holder,
		Repo:        reminderrepository.Provide(),
		InvoiceRepo: f.InvoiceRepo,
		Notifier:    f.Notifier,
		AuditSvc:    f.Audit,
	})
	return f
}

// Ctx returns a context scoped to the fixture tenant with a staff actor.
func (f *Fixture) Ctx() context.Context {
	return f.CtxFor(f.TenantID)
}

func (f *Fixture) CtxFor(tenantID snowflake.ID) context.Context {
	ctx := orgcontext.WithOrgID(context.Background(), tenantID)
	return auditcontext.WithActor(ctx, auditcontext.ActorTypeUser, "staff-1")
}

// SystemCtx has no tenant, as the scheduler runs.
func (f *Fixture) SystemCtx() context.Context {
	return auditcontext.WithActor(context.Background(), auditcontext.ActorTypeSystem, "scheduler")
}

// Today is the fixture clock's current instant.
func (f *Fixture) Today() time.Time {
	return f.Clock.Now()
}

// CreateInvoice creates an invoice due dueInDays days after the current
// clock date.
func (f *Fixture) CreateInvoice(t testing.TB, kind invoicedomain.Kind, gross, discount string, dueInDays int) invoicedomain.Invoice {
	t.Helper()
	inv, err := f.Invoices.CreateInvoice(f.Ctx(), invoicedomain.CreateInvoiceRequest{
		Kind:           kind,
		CounterpartyID: "cp-" + f.Node.Generate().String(),
		GrossAmount:    decimal.RequireFromString(gross),
		Discount:       decimal.RequireFromString(discount),
		DueDate:        f.Clock.Now().AddDate(0, 0, dueInDays),
		Recipient:      "billing@clinic.test",
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

// Reload reads the stored invoice row without recomputing it.
func (f *Fixture) Reload(t testing.TB, id snowflake.ID) invoicedomain.Invoice {
	t.Helper()
	inv, err := f.InvoiceRepo.FindByIDAny(context.Background(), f.DB, id)
	if err != nil {
		t.Fatalf("reload invoice: %v", err)
	}
	if inv == nil {
		t.Fatalf("invoice %s not found", id)
	}
	return *inv
}

// RemindersFor returns every stored reminder for an invoice, oldest first.
func (f *Fixture) RemindersFor(t testing.TB, invoiceID snowflake.ID) []reminderdomain.Reminder {
	t.Helper()
	var items []reminderdomain.Reminder
	if err := f.DB.Where("invoice_id = ?", invoiceID).Order("id ASC").Find(&items).Error; err != nil {
		t.Fatalf("list reminders: %v", err)
	}
	return items
}

// AuditActions returns the recorded audit actions in insertion order.
func (f *Fixture) AuditActions(t testing.TB) []string {
	t.Helper()
	var actions []string
	if err := f.DB.Model(&auditdomain.AuditLog{}).Order("id ASC").Pluck("action", &actions).Error; err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	return actions
}

// RecordingNotifier captures deliveries and can be told to fail.
type RecordingNotifier struct {
	mu        sync.Mutex
	delivered []reminderdomain.Reminder
	err       error
}

func (n *RecordingNotifier) Deliver(ctx context.Context, reminder reminderdomain.Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.delivered = append(n.delivered, reminder)
	return nil
}

func (n *RecordingNotifier) FailWith(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

func (n *RecordingNotifier) Delivered() []reminderdomain.Reminder {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]reminderdomain.Reminder(nil), n.delivered...)
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"enroltoken/internal/db"
	"enroltoken/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingMailer struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *recordingMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.msgs...)
}

type fixture struct {
	db        *gorm.DB
	clock     *fakeClock
	mailer    *recordingMailer
	store     *TokenStore
	guard     *ThrottleGuard
	instances *Instances
	engine    *Engine
	issuer    *Issuer
	course    model.Course
	inst      *model.EnrolInstance
	admin     model.User
}

var fixtureStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)

	f := &fixture{
		db:     database,
		clock:  &fakeClock{t: fixtureStart},
		mailer: &recordingMailer{},
	}

	idnumber := "go101"
	f.course = model.Course{ShortName: "GO101", FullName: "Go Fundamentals", IDNumber: &idnumber}
	require.NoError(t, database.Create(&f.course).Error)
	f.admin = f.user(t, "operator")

	f.store = NewTokenStore(database)
	f.guard = NewThrottleGuard(database, WithThrottleClock(f.clock.Now))
	f.instances = NewInstances(database, nil, time.Minute, InstanceDefaults{IPThrottleMinutes: 10, UserThrottleMinutes: 10})
	f.inst, err = f.instances.Create(context.Background(), f.course.ID, "")
	require.NoError(t, err)

	gen := NewCodeGenerator(f.store.Exists, WithBannedWords([]string{"fuck", "shit"}), WithMaxAttempts(1000))
	f.engine = NewEngine(database, f.store, f.guard, f.instances,
		WithEngineClock(f.clock.Now),
		WithWelcomeMailer(f.mailer),
		WithWWWRoot("https://learn.example.com/"),
		WithEnrollerCache(NewEnrollerCache(database, Enroller{Name: "Support", Email: "support@example.com"})),
	)
	f.issuer = NewIssuer(database, f.store, gen,
		WithIssuerClock(f.clock.Now),
		WithBatchMailer(f.mailer),
		WithSiteInfo("https://learn.example.com", "The Enrolment Team"),
	)
	return f
}

func (f *fixture) user(t *testing.T, name string) model.User {
	t.Helper()
	email := name + "@example.com"
	u := model.User{Username: name, Email: &email, FirstName: name}
	require.NoError(t, f.db.Create(&u).Error)
	return u
}

// token stores a token directly, bypassing the issuer.
func (f *fixture) token(t *testing.T, code string, seats int, expiresAt *time.Time) model.Token {
	t.Helper()
	tok := model.Token{
		Code:           code,
		CourseID:       f.course.ID,
		SeatsTotal:     seats,
		SeatsAvailable: seats,
		CreatedBy:      f.admin.ID,
		CreatedAt:      f.clock.Now(),
		ExpiresAt:      expiresAt,
	}
	require.NoError(t, f.store.InsertBatch(context.Background(), []model.Token{tok}))
	return tok
}

func (f *fixture) updateInstance(t *testing.T, mutate func(inst *model.EnrolInstance)) {
	t.Helper()
	inst, err := f.instances.ForCourse(context.Background(), f.course.ID)
	require.NoError(t, err)
	mutate(inst)
	require.NoError(t, f.instances.Save(context.Background(), inst))
	f.inst = inst
}

func (f *fixture) seats(t *testing.T, code string) int {
	t.Helper()
	tok, err := f.store.Lookup(context.Background(), code)
	require.NoError(t, err)
	return tok.SeatsAvailable
}

func (f *fixture) count(t *testing.T, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(m)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func requireKind(t *testing.T, err error, kind RedeemKind) *RedeemError {
	t.Helper()
	require.Error(t, err)
	var rerr *RedeemError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, kind, rerr.Kind, "message: %s", rerr.Error())
	return rerr
}

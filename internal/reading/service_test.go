package reading_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/utility-billing-engine/internal/activity"
	"github.com/septivank/utility-billing-engine/internal/anomaly"
	"github.com/septivank/utility-billing-engine/internal/apperr"
	"github.com/septivank/utility-billing-engine/internal/db"
	"github.com/septivank/utility-billing-engine/internal/reading"
	"github.com/septivank/utility-billing-engine/internal/tenant"
	"github.com/septivank/utility-billing-engine/internal/testutil"
)

// clock advances one second per call so created_at values stay ordered.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store    *testutil.Store
	recorder *testutil.Recorder
	service  *reading.Service
	scope    tenant.Scope
	tenantID uuid.UUID
	userID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore()
	recorder := &testutil.Recorder{}
	c := &clock{t: time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)}
	tenantID, userID := uuid.New(), uuid.New()

	svc := reading.NewService(
		store,
		reading.NewValidator(c.Now),
		anomaly.NewDetector(3.0, 3),
		recorder,
		10,
		zap.NewNop(),
	)
	return &fixture{
		store:    store,
		recorder: recorder,
		service:  svc,
		scope:    tenant.ForTenant(tenantID, userID),
		tenantID: tenantID,
		userID:   userID,
	}
}

func (f *fixture) meter(m db.Meter) db.Meter {
	m.TenantID = f.tenantID
	if m.SerialNumber == "" {
		m.SerialNumber = "EL-" + uuid.NewString()[:6]
	}
	if m.UtilityType == "" {
		m.UtilityType = db.UtilityElectricity
	}
	return f.store.AddMeter(m)
}

func (f *fixture) seed(meterID uuid.UUID, day string, value int64, zone string) db.MeterReading {
	r := db.MeterReading{
		TenantID:    f.tenantID,
		MeterID:     meterID,
		ReadingDate: day2(day),
		Value:       decimal.NewFromInt(value),
		InputMethod: db.InputManual,
	}
	if zone != "" {
		r.Zone = &zone
	}
	return f.store.AddReading(r)
}

func (f *fixture) submit(meterID uuid.UUID, day, value, zone string) (*db.MeterReading, error) {
	return f.service.Submit(context.Background(), f.scope, reading.Input{
		MeterID:     meterID,
		ReadingDate: day2(day),
		Value:       value,
		Zone:        zone,
		EnteredBy:   f.userID,
	})
}

func day2(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSubmit_RejectsValueBelowPredecessor(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	f.seed(m.ID, "2024-06-01", 1000, "")

	_, err := f.submit(m.ID, "2024-06-10", "950", "")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Contains(t, apperr.Reason(err), "1000")

	got, err := f.submit(m.ID, "2024-06-10", "1000", "")
	require.NoError(t, err)
	assert.Equal(t, db.ReadingValidated, got.Status)

	_, err = f.submit(m.ID, "2024-06-12", "1200", "")
	require.NoError(t, err)
	assert.Len(t, f.store.Readings(m.ID), 3)
}

func TestSubmit_RejectsValueAboveSuccessor(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	f.seed(m.ID, "2024-06-01", 1000, "")
	f.seed(m.ID, "2024-06-10", 1100, "")

	_, err := f.submit(m.ID, "2024-06-05", "1150", "")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Contains(t, apperr.Reason(err), "1100")

	_, err = f.submit(m.ID, "2024-06-05", "1050", "")
	require.NoError(t, err)
}

func TestSubmit_IgnoresRejectedReadings(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	f.seed(m.ID, "2024-06-01", 1000, "")
	rejected := f.seed(m.ID, "2024-06-02", 5000, "")
	rejected.Status = db.ReadingRejected
	require.NoError(t, f.store.UpdateReading(context.Background(), &rejected))

	_, err := f.submit(m.ID, "2024-06-03", "1100", "")
	require.NoError(t, err)
}

func TestSubmit_InputValidation(t *testing.T) {
	tests := []struct {
		name  string
		day   string
		value string
		field string
	}{
		{"future date", "2024-06-16", "10", "reading_date"},
		{"non numeric", "2024-06-10", "abc", "value"},
		{"negative", "2024-06-10", "-1", "value"},
		{"empty", "2024-06-10", " ", "value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.meter(db.Meter{})

			_, err := f.submit(m.ID, tt.day, tt.value, "")
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
			assert.Equal(t, tt.field, apperr.Field(err))
		})
	}
}

func TestSubmit_TodayIsNotFuture(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})

	_, err := f.submit(m.ID, "2024-06-15", "10", "")
	require.NoError(t, err)
}

func TestSubmit_ZoneRules(t *testing.T) {
	f := newFixture(t)
	zoned := f.meter(db.Meter{SupportsZones: true})
	plain := f.meter(db.Meter{})

	_, err := f.submit(zoned.ID, "2024-06-10", "10", "")
	require.Error(t, err)
	assert.Equal(t, "zone", apperr.Field(err))

	_, err = f.submit(plain.ID, "2024-06-10", "10", "day")
	require.Error(t, err)
	assert.Equal(t, "zone", apperr.Field(err))

	// Zones form independent sequences.
	f.seed(zoned.ID, "2024-06-01", 500, "day")
	got, err := f.submit(zoned.ID, "2024-06-10", "100", "night")
	require.NoError(t, err)
	require.NotNil(t, got.Zone)
	assert.Equal(t, "night", *got.Zone)

	_, err = f.submit(zoned.ID, "2024-06-10", "400", "day")
	require.Error(t, err)
	assert.Contains(t, apperr.Reason(err), "500")
}

func TestSubmit_ZoneIsTrimmedBeforeSequenceCheck(t *testing.T) {
	f := newFixture(t)
	zoned := f.meter(db.Meter{SupportsZones: true})
	f.seed(zoned.ID, "2024-06-01", 1000, "day")

	for _, zone := range []string{"day ", " day", "\tday\n"} {
		_, err := f.submit(zoned.ID, "2024-06-10", "950", zone)
		require.Error(t, err, "zone %q", zone)
		assert.True(t, apperr.IsValidation(err))
		assert.Contains(t, apperr.Reason(err), "1000")
	}

	got, err := f.submit(zoned.ID, "2024-06-10", "1050", "  day  ")
	require.NoError(t, err)
	require.NotNil(t, got.Zone)
	assert.Equal(t, "day", *got.Zone)

	stored := f.store.Readings(zoned.ID)
	require.Len(t, stored, 2)
	for _, r := range stored {
		assert.Equal(t, "day", r.ZoneKey())
	}

	_, err = f.submit(zoned.ID, "2024-06-10", "5", "   ")
	require.Error(t, err)
	assert.Equal(t, "zone", apperr.Field(err))
}

func TestSubmit_MultiValueMeter(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{UtilityType: db.UtilityWater, ReadingStructure: []db.ReadingField{
		{Name: "hot", Unit: "m3", Cumulative: true, Required: true},
		{Name: "cold", Unit: "m3", Cumulative: true, Required: true},
		{Name: "temperature", Unit: "C"},
	}})
	f.store.AddReading(db.MeterReading{
		TenantID:    f.tenantID,
		MeterID:     m.ID,
		ReadingDate: day2("2024-06-01"),
		Values: map[string]decimal.Decimal{
			"hot":         decimal.NewFromInt(10),
			"cold":        decimal.NewFromInt(20),
			"temperature": decimal.NewFromInt(60),
		},
	})

	submit := func(values map[string]string) (*db.MeterReading, error) {
		return f.service.Submit(context.Background(), f.scope, reading.Input{
			MeterID:     m.ID,
			ReadingDate: day2("2024-06-10"),
			Values:      values,
			EnteredBy:   f.userID,
		})
	}

	_, err := submit(map[string]string{"hot": "12", "cold": "19"})
	require.Error(t, err)
	assert.Equal(t, "values.cold", apperr.Field(err))

	_, err = submit(map[string]string{"hot": "12"})
	require.Error(t, err)
	assert.Equal(t, "values.cold", apperr.Field(err))

	_, err = submit(map[string]string{"hot": "12", "cold": "21", "pressure": "3"})
	require.Error(t, err)
	assert.Equal(t, "values.pressure", apperr.Field(err))

	_, err = f.service.Submit(context.Background(), f.scope, reading.Input{
		MeterID: m.ID, ReadingDate: day2("2024-06-10"), Value: "5", EnteredBy: f.userID,
	})
	require.Error(t, err)
	assert.Equal(t, "values", apperr.Field(err))

	// Non-cumulative fields may go down.
	got, err := submit(map[string]string{"hot": "12", "cold": "21", "temperature": "40"})
	require.NoError(t, err)
	assert.True(t, got.Values["hot"].Equal(decimal.NewFromInt(12)))
	assert.Equal(t, db.ReadingValidated, got.Status)
}

func TestSubmit_StatusRouting(t *testing.T) {
	t.Run("estimated readings await review", func(t *testing.T) {
		f := newFixture(t)
		m := f.meter(db.Meter{})

		got, err := f.service.Submit(context.Background(), f.scope, reading.Input{
			MeterID: m.ID, ReadingDate: day2("2024-06-10"), Value: "10",
			InputMethod: db.InputEstimated, EnteredBy: f.userID,
		})
		require.NoError(t, err)
		assert.Equal(t, db.ReadingPending, got.Status)
	})

	t.Run("consumption spike requires review", func(t *testing.T) {
		f := newFixture(t)
		m := f.meter(db.Meter{})
		f.seed(m.ID, "2024-05-01", 100, "")
		f.seed(m.ID, "2024-05-02", 110, "")
		f.seed(m.ID, "2024-05-03", 120, "")
		f.seed(m.ID, "2024-05-04", 130, "")

		got, err := f.submit(m.ID, "2024-05-05", "1000", "")
		require.NoError(t, err)
		assert.Equal(t, db.ReadingRequiresReview, got.Status)

		got, err = f.submit(m.ID, "2024-05-06", "1010", "")
		require.NoError(t, err)
		assert.Equal(t, db.ReadingValidated, got.Status)
	})

	t.Run("unsupported input method", func(t *testing.T) {
		f := newFixture(t)
		m := f.meter(db.Meter{})

		_, err := f.service.Submit(context.Background(), f.scope, reading.Input{
			MeterID: m.ID, ReadingDate: day2("2024-06-10"), Value: "10",
			InputMethod: "telepathy", EnteredBy: f.userID,
		})
		require.Error(t, err)
		assert.Equal(t, "input_method", apperr.Field(err))
	})
}

func TestSubmit_WritesAuditAndActivity(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})

	got, err := f.submit(m.ID, "2024-06-10", "42.5", "")
	require.NoError(t, err)

	audits := f.store.Audits(got.ID)
	require.Len(t, audits, 1)
	assert.Equal(t, reading.ActionCreated, audits[0].Action)
	require.NotNil(t, audits[0].NewValue)
	assert.Equal(t, "42.5", audits[0].NewValue.String())
	assert.Equal(t, db.ReadingValidated, audits[0].NewStatus)

	entries := f.recorder.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, activity.SubjectMeterReading, entries[0].SubjectType)
	assert.Equal(t, got.ID, entries[0].SubjectID)
	assert.Equal(t, f.userID, entries[0].CauserID)
}

func TestSubmit_AuditFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	f.store.FailAuditInsert = true

	_, err := f.submit(m.ID, "2024-06-10", "10", "")
	require.Error(t, err)
	assert.Empty(t, f.store.Readings(m.ID))
	assert.Empty(t, f.recorder.Entries())
}

func TestSubmit_ActivityFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	f.recorder.Err = errors.New("broker down")

	_, err := f.submit(m.ID, "2024-06-10", "10", "")
	require.NoError(t, err)
	assert.Len(t, f.store.Readings(m.ID), 1)
}

func TestSubmit_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	other := tenant.ForTenant(uuid.New(), uuid.New())

	_, err := f.service.Submit(context.Background(), other, reading.Input{
		MeterID: m.ID, ReadingDate: day2("2024-06-10"), Value: "10",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))

	admin, err := tenant.NewRolePolicy(string(tenant.RoleSuperadmin)).Scope(tenant.Actor{
		UserID: uuid.New(), Role: tenant.RoleSuperadmin,
	})
	require.NoError(t, err)
	_, err = f.service.Submit(context.Background(), admin, reading.Input{
		MeterID: m.ID, ReadingDate: day2("2024-06-10"), Value: "10",
	})
	require.NoError(t, err)
}

func TestSubmit_ConcurrentSubmissionsStayMonotonic(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	f.seed(m.ID, "2024-06-01", 100, "")

	values := []string{"150", "120", "180", "110", "170", "130", "160", "140"}
	var wg sync.WaitGroup
	for _, v := range values {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			_, _ = f.submit(m.ID, "2024-06-10", v, "")
		}(v)
	}
	wg.Wait()

	stored := f.store.Readings(m.ID)
	require.NotEmpty(t, stored)
	for i := 1; i < len(stored); i++ {
		assert.False(t, stored[i].Value.LessThan(stored[i-1].Value),
			"reading %d (%s) is lower than its predecessor (%s)", i, stored[i].Value, stored[i-1].Value)
	}
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	f.seed(m.ID, "2024-06-01", 100, "")
	middle := f.seed(m.ID, "2024-06-05", 200, "")
	f.seed(m.ID, "2024-06-10", 300, "")

	edit := func(value, reason string) (*db.MeterReading, error) {
		return f.service.Edit(context.Background(), f.scope, reading.EditInput{
			ReadingID:    middle.ID,
			Value:        value,
			ChangeReason: reason,
			ChangedBy:    f.userID,
		})
	}

	_, err := edit("250", "")
	require.Error(t, err)
	assert.Equal(t, "change_reason", apperr.Field(err))

	_, err = edit("350", "typo")
	require.Error(t, err)
	assert.Contains(t, apperr.Reason(err), "300")

	_, err = edit("50", "typo")
	require.Error(t, err)
	assert.Contains(t, apperr.Reason(err), "100")

	got, err := edit("250", "photo re-read")
	require.NoError(t, err)
	assert.Equal(t, "250", got.Value.String())

	audits := f.store.Audits(middle.ID)
	require.Len(t, audits, 1)
	assert.Equal(t, reading.ActionUpdated, audits[0].Action)
	assert.Equal(t, "200", audits[0].OldValue.String())
	assert.Equal(t, "250", audits[0].NewValue.String())
	assert.Equal(t, "photo re-read", audits[0].ChangeReason)
	assert.Equal(t, f.userID, audits[0].ChangedBy)
}

func TestEdit_RejectedReadingIsRefused(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	r := f.seed(m.ID, "2024-06-01", 100, "")
	r.Status = db.ReadingRejected
	require.NoError(t, f.store.UpdateReading(context.Background(), &r))

	_, err := f.service.Edit(context.Background(), f.scope, reading.EditInput{
		ReadingID: r.ID, Value: "120", ChangeReason: "fix",
	})
	require.Error(t, err)
	assert.Equal(t, "status", apperr.Field(err))
}

func TestTransition(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})

	submitted, err := f.service.Submit(context.Background(), f.scope, reading.Input{
		MeterID: m.ID, ReadingDate: day2("2024-06-10"), Value: "10",
		InputMethod: db.InputEstimated, EnteredBy: f.userID,
	})
	require.NoError(t, err)
	require.Equal(t, db.ReadingPending, submitted.Status)

	got, err := f.service.Transition(context.Background(), f.scope, submitted.ID, db.ReadingValidated, "checked on site", f.userID)
	require.NoError(t, err)
	assert.Equal(t, db.ReadingValidated, got.Status)

	_, err = f.service.Transition(context.Background(), f.scope, submitted.ID, db.ReadingRejected, "too late", f.userID)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	audits := f.store.Audits(submitted.ID)
	require.Len(t, audits, 2)
	assert.Equal(t, reading.ActionStatusChanged, audits[1].Action)
	assert.Equal(t, db.ReadingPending, audits[1].OldStatus)
	assert.Equal(t, db.ReadingValidated, audits[1].NewStatus)
}

func TestImport(t *testing.T) {
	f := newFixture(t)
	m := f.meter(db.Meter{})
	f.seed(m.ID, "2024-06-01", 100, "")

	csv := strings.Join([]string{
		"meter_id,reading_date,value,values,zone",
		m.ID.String() + ",2024-06-10,150,,",
		m.ID.String() + ",2024-06-11,90,,",
		uuid.NewString() + ",2024-06-11,10,,",
		"not-a-uuid,2024-06-11,10,,",
		m.ID.String() + ",11/06/2024,160,,",
		m.ID.String() + ",someday,170,,",
	}, "\n")

	report, err := f.service.Import(context.Background(), f.scope, strings.NewReader(csv), f.userID)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 4, report.Rejected)
	require.Len(t, report.Rows, 6)
	assert.Equal(t, 2, report.Rows[0].Row)
	assert.Empty(t, report.Rows[0].Error)
	assert.NotEqual(t, uuid.Nil, report.Rows[0].ReadingID)
	assert.Contains(t, report.Rows[1].Error, "150")
	assert.Contains(t, report.Rows[2].Error, "not found")
	assert.Contains(t, report.Rows[3].Error, "meter_id")
	assert.Empty(t, report.Rows[4].Error)
	assert.Equal(t, 7, report.Rows[5].Row)

	stored := f.store.Readings(m.ID)
	require.Len(t, stored, 3)
	assert.Equal(t, db.InputCSV, stored[1].InputMethod)
}

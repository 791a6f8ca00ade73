package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tokenmeter/pkg/observability"
)

func newPingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestNewConnectionManager_InvalidPrimary(t *testing.T) {
	_, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL: "postgres://invalid:5432/nonexistent?connect_timeout=1&sslmode=disable",
		MaxConns:   2,
		Timeout:    time.Second,
	}, observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open primary connection")
}

func TestReplicaPoolSize(t *testing.T) {
	assert.Equal(t, 2, replicaPoolSize(0))
	assert.Equal(t, 2, replicaPoolSize(3))
	assert.Equal(t, 10, replicaPoolSize(20))
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("falls back to primary", func(t *testing.T) {
		primary, _ := newPingMock(t)
		cm := &ConnectionManager{primary: primary}
		assert.Same(t, primary, cm.Replica())
	})

	t.Run("round robin", func(t *testing.T) {
		primary, _ := newPingMock(t)
		r1, _ := newPingMock(t)
		r2, _ := newPingMock(t)
		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}

		seen := map[*sql.DB]int{}
		for i := 0; i < 10; i++ {
			seen[cm.Replica()]++
		}
		assert.Equal(t, 5, seen[r1])
		assert.Equal(t, 5, seen[r2])
		assert.Zero(t, seen[primary])
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		primaryErr error
		replicaErr []error
		wantErr    string
	}{
		{name: "all healthy", replicaErr: []error{nil, nil}},
		{name: "primary down", primaryErr: errors.New("connection refused"), wantErr: "primary unhealthy"},
		{name: "one replica down", replicaErr: []error{nil, errors.New("connection refused")}},
		{
			name:       "every replica down",
			replicaErr: []error{errors.New("refused"), errors.New("refused")},
			wantErr:    "all replicas unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, primaryMock := newPingMock(t)
			primaryMock.ExpectPing().WillReturnError(tt.primaryErr)

			cm := &ConnectionManager{primary: primary}
			if tt.primaryErr == nil {
				for _, rerr := range tt.replicaErr {
					db, mock := newPingMock(t)
					mock.ExpectPing().WillReturnError(rerr)
					cm.replicas = append(cm.replicas, db)
				}
			}

			err := cm.HealthCheck(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	primary, _ := newPingMock(t)
	healthy, healthyMock := newPingMock(t)
	broken, brokenMock := newPingMock(t)

	healthyMock.ExpectPing()
	brokenMock.ExpectPing().WillReturnError(errors.New("gone"))
	brokenMock.ExpectClose()

	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{healthy, broken}}

	removed := cm.RemoveUnhealthyReplicas(context.Background())
	assert.Equal(t, 1, removed)
	assert.Len(t, cm.Stats().Replicas, 1)
	assert.Same(t, healthy, cm.Replica())
	assert.NoError(t, brokenMock.ExpectationsWereMet())
}

func TestConnectionManager_Close(t *testing.T) {
	primary, primaryMock := newPingMock(t)
	replica, replicaMock := newPingMock(t)
	primaryMock.ExpectClose()
	replicaMock.ExpectClose().WillReturnError(errors.New("busy"))

	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{replica}}

	err := cm.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica-0")
	assert.Empty(t, cm.Stats().Replicas)
}

func TestConnectionManager_StartHealthCheckRoutine(t *testing.T) {
	primary, _ := newPingMock(t)
	broken, brokenMock := newPingMock(t)
	brokenMock.ExpectPing().WillReturnError(errors.New("gone"))
	brokenMock.ExpectClose()

	var buf bytes.Buffer
	cm := &ConnectionManager{
		primary:  primary,
		replicas: []*sql.DB{broken},
		logger:   observability.NewLogger(observability.WarnLevel, &buf),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.StartHealthCheckRoutine(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(cm.Stats().Replicas) == 0
	}, time.Second, 10*time.Millisecond)
}

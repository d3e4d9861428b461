package postgres

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/storage/storagetest"
)

func TestOptionDSN(t *testing.T) {
	testCases := []struct {
		desc string
		opt  Option
		want string
	}{
		{
			desc: "defaults",
			opt:  Option{},
			want: "postgres://localhost:5432?sslmode=disable",
		},
		{
			desc: "credentials and database",
			opt:  Option{Host: "db", Port: 6543, User: "sync", Password: "p@ss", Database: "site"},
			want: "postgres://sync:p%40ss@db:6543/site?sslmode=disable",
		},
		{
			desc: "params",
			opt:  Option{User: "sync", SSLMode: "require", Params: map[string]string{"application_name": "sitesync", "": "x"}},
			want: "postgres://sync@localhost:5432?application_name=sitesync&sslmode=require",
		},
		{
			desc: "conn string wins",
			opt:  Option{Host: "ignored", ConnString: "postgres://a@b/c"},
			want: "postgres://a@b/c",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.opt.dsn())
		})
	}
}

func TestOptionTable(t *testing.T) {
	assert.Equal(t, "sitesync_records", Option{}.table())
	assert.Equal(t, "custom", Option{Table: "custom"}.table())
}

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("SITESYNC_PG_DSN")
	if dsn == "" {
		t.Skip("SITESYNC_PG_DSN not set")
	}
	s, err := New(Option{ConnString: dsn, Table: "sitesync_records_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	storagetest.Run(t, s)
}

package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/benchstage/pkg/backend"
	"github.com/3leaps/benchstage/pkg/params"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

type fakeLister struct {
	err error
}

func (f fakeLister) Algorithms(context.Context) ([]params.Algorithm, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []params.Algorithm{{ID: 1, Name: "pso"}}, nil
}

func TestBackendHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		client     algorithmLister
		errContain string
	}{
		{name: "healthy", client: fakeLister{}},
		{name: "no client", client: nil, errContain: "not configured"},
		{
			name:       "transport failure",
			client:     fakeLister{err: &backend.APIError{Op: "algorithms", Message: "connection refused"}},
			errContain: "backend unreachable",
		},
		{
			name:       "server error",
			client:     fakeLister{err: &backend.APIError{Op: "algorithms", StatusCode: 500, Message: "down"}},
			errContain: "backend unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := backendHealthChecker{client: tt.client}.CheckHealth(context.Background())
			if tt.errContain == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContain)
		})
	}
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "benchstage",
			envPrefix:  "BENCHSTAGE",
			configName: "benchstage",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "BENCHSTAGE",
			configName: "benchstage",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "benchstage",
			envPrefix:  "",
			configName: "benchstage",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "benchstage",
			envPrefix:  "BENCHSTAGE",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

package temporal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/brojonat/tokenledger/service/pipeline"
	"github.com/brojonat/tokenledger/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.CollectSignatures)
	env.RegisterActivity(activities.FilterKnownSignatures)
	env.RegisterActivity(activities.IngestSignatures)
	env.RegisterActivity(activities.IngestHistory)
	return env, activities
}

func TestIngestWorkflow(t *testing.T) {
	const addr = "TrackedWa11et1111111111111111111111111111"

	tests := []struct {
		name           string
		input          IngestInput
		setup          func(env *testsuite.TestWorkflowEnvironment, acts *Activities)
		expectedError  bool
		validateResult func(*testing.T, *IngestResult)
	}{
		{
			name:  "collects and ingests signatures",
			input: IngestInput{Address: addr, Target: 3},
			setup: func(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
				env.OnActivity(acts.CollectSignatures, mock.Anything, CollectSignaturesInput{Address: addr, Target: 3}).
					Return(&CollectSignaturesResult{Signatures: []string{"s1", "s2", "s3"}}, nil)
				env.OnActivity(acts.IngestSignatures, mock.Anything, IngestSignaturesInput{Address: addr, Signatures: []string{"s1", "s2", "s3"}}).
					Return(&IngestSummary{Fetched: 3, Inserted: 2, Updated: 1}, nil)
			},
			validateResult: func(t *testing.T, result *IngestResult) {
				assert.Equal(t, addr, result.Address)
				assert.Equal(t, 3, result.Collected)
				assert.Equal(t, 3, result.Summary.Requested)
				assert.Equal(t, 2, result.Summary.Inserted)
				assert.Equal(t, 1, result.Summary.Updated)
				assert.Nil(t, result.Error)
			},
		},
		{
			name:  "no signatures skips ingestion",
			input: IngestInput{Address: addr, Target: 3},
			setup: func(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
				env.OnActivity(acts.CollectSignatures, mock.Anything, mock.Anything).
					Return(&CollectSignaturesResult{Signatures: []string{}}, nil)
			},
			validateResult: func(t *testing.T, result *IngestResult) {
				assert.Equal(t, 0, result.Collected)
				assert.Equal(t, 0, result.Summary.Fetched)
			},
		},
		{
			name:  "skip existing filters before ingesting",
			input: IngestInput{Address: addr, Target: 3, SkipExisting: true},
			setup: func(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
				env.OnActivity(acts.CollectSignatures, mock.Anything, mock.Anything).
					Return(&CollectSignaturesResult{Signatures: []string{"s1", "s2", "s3"}}, nil)
				env.OnActivity(acts.FilterKnownSignatures, mock.Anything, FilterKnownSignaturesInput{Signatures: []string{"s1", "s2", "s3"}}).
					Return(&FilterKnownSignaturesResult{Signatures: []string{"s3"}, Skipped: 2}, nil)
				env.OnActivity(acts.IngestSignatures, mock.Anything, IngestSignaturesInput{Address: addr, Signatures: []string{"s3"}}).
					Return(&IngestSummary{Fetched: 1, Inserted: 1}, nil)
			},
			validateResult: func(t *testing.T, result *IngestResult) {
				assert.Equal(t, 3, result.Collected)
				assert.Equal(t, 2, result.Summary.Skipped)
				assert.Equal(t, 1, result.Summary.Inserted)
			},
		},
		{
			name:  "everything already stored",
			input: IngestInput{Address: addr, Target: 2, SkipExisting: true},
			setup: func(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
				env.OnActivity(acts.CollectSignatures, mock.Anything, mock.Anything).
					Return(&CollectSignaturesResult{Signatures: []string{"s1", "s2"}}, nil)
				env.OnActivity(acts.FilterKnownSignatures, mock.Anything, mock.Anything).
					Return(&FilterKnownSignaturesResult{Signatures: []string{}, Skipped: 2}, nil)
			},
			validateResult: func(t *testing.T, result *IngestResult) {
				assert.Equal(t, 2, result.Summary.Skipped)
				assert.Equal(t, 0, result.Summary.Fetched)
			},
		},
		{
			name:  "filter failure falls back to all signatures",
			input: IngestInput{Address: addr, Target: 2, SkipExisting: true},
			setup: func(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
				env.OnActivity(acts.CollectSignatures, mock.Anything, mock.Anything).
					Return(&CollectSignaturesResult{Signatures: []string{"s1", "s2"}}, nil)
				env.OnActivity(acts.FilterKnownSignatures, mock.Anything, mock.Anything).
					Return(nil, errors.New("db down"))
				env.OnActivity(acts.IngestSignatures, mock.Anything, IngestSignaturesInput{Address: addr, Signatures: []string{"s1", "s2"}}).
					Return(&IngestSummary{Fetched: 2, Updated: 2}, nil)
			},
			validateResult: func(t *testing.T, result *IngestResult) {
				assert.Equal(t, 2, result.Summary.Updated)
				assert.Equal(t, 0, result.Summary.Skipped)
			},
		},
		{
			name:  "partial collection is carried into the result",
			input: IngestInput{Address: addr, Target: 5},
			setup: func(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
				env.OnActivity(acts.CollectSignatures, mock.Anything, mock.Anything).
					Return(&CollectSignaturesResult{Signatures: []string{"s1"}, Error: "rpc unavailable"}, nil)
				env.OnActivity(acts.IngestSignatures, mock.Anything, mock.Anything).
					Return(&IngestSummary{Fetched: 1, Inserted: 1}, nil)
			},
			validateResult: func(t *testing.T, result *IngestResult) {
				assert.Equal(t, "rpc unavailable", result.CollectError)
				assert.Equal(t, 1, result.Summary.Inserted)
			},
		},
		{
			name:  "collect failure fails the workflow",
			input: IngestInput{Address: addr, Target: 3},
			setup: func(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
				env.OnActivity(acts.CollectSignatures, mock.Anything, mock.Anything).
					Return(nil, errors.New("rpc unavailable"))
			},
			expectedError: true,
		},
		{
			name:  "history source runs a single activity",
			input: IngestInput{Address: addr, Target: 25, UseHistory: true},
			setup: func(env *testsuite.TestWorkflowEnvironment, acts *Activities) {
				env.OnActivity(acts.IngestHistory, mock.Anything, IngestHistoryInput{Address: addr, Limit: 25}).
					Return(&IngestSummary{Requested: 25, Fetched: 25, Inserted: 20, Updated: 5}, nil)
			},
			validateResult: func(t *testing.T, result *IngestResult) {
				assert.Equal(t, 25, result.Collected)
				assert.Equal(t, 20, result.Summary.Inserted)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, acts := newWorkflowEnv(t)
			tt.setup(env, acts)

			env.ExecuteWorkflow(IngestWorkflow, tt.input)

			require.True(t, env.IsWorkflowCompleted())
			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}
			require.NoError(t, env.GetWorkflowError())

			var result IngestResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
			env.AssertExpectations(t)
		})
	}
}

func TestIngestWorkflow_UpstreamFailureRunsOnce(t *testing.T) {
	exhausted := fmt.Errorf("%w after 5 attempts: %w", retry.ErrRetriesExhausted, retry.ErrRateLimited)

	tests := []struct {
		name     string
		input    IngestInput
		method   string
		setupIng func(ing *MockIngester, addr string)
	}{
		{
			name:   "signature collection",
			input:  IngestInput{Target: 20},
			method: "CollectSignatures",
			setupIng: func(ing *MockIngester, addr string) {
				ing.On("CollectSignatures", mock.Anything, addr, 20).Return(nil, exhausted)
			},
		},
		{
			name:   "address history",
			input:  IngestInput{Target: 20, UseHistory: true},
			method: "IngestHistory",
			setupIng: func(ing *MockIngester, addr string) {
				ing.On("IngestHistory", mock.Anything, addr, 20).Return(&pipeline.Report{FetchErr: exhausted})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := testAddress()
			ing := new(MockIngester)
			tt.setupIng(ing, addr)

			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()
			env.RegisterActivity(NewActivities(ing, nil, testLogger()))

			input := tt.input
			input.Address = addr
			env.ExecuteWorkflow(IngestWorkflow, input)

			require.True(t, env.IsWorkflowCompleted())
			require.Error(t, env.GetWorkflowError())
			ing.AssertNumberOfCalls(t, tt.method, 1)
		})
	}
}

func TestMockScheduler(t *testing.T) {
	s := NewMockScheduler()
	ctx := t.Context()
	input := IngestInput{Address: "addr1", Target: 20}

	require.NoError(t, s.UpsertIngestSchedule(ctx, input, 0))
	require.NoError(t, s.UpsertIngestSchedule(ctx, input, 15))
	assert.Equal(t, 1, s.ScheduleCount())

	got, interval, ok := s.GetSchedule("addr1")
	require.True(t, ok)
	assert.Equal(t, input, got)
	assert.EqualValues(t, 15, interval)

	require.NoError(t, s.DeleteIngestSchedule(ctx, "addr1"))
	assert.False(t, s.ScheduleExists("addr1"))
	assert.Error(t, s.DeleteIngestSchedule(ctx, "addr1"))

	s.SetUpsertError(errors.New("unavailable"))
	assert.Error(t, s.UpsertIngestSchedule(ctx, input, 15))
}

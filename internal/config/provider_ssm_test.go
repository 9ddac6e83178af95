package config

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// mockSSMClient is a configurable test double for the ssmClient interface.
// It records every GetParameters input and serves canned values per path.
type mockSSMClient struct {
	values map[string]string
	err    error
	// invalid lists parameter paths the mock reports as not found.
	invalid []string
	inputs  []*ssm.GetParametersInput
}

func (m *mockSSMClient) GetParameters(_ context.Context, params *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	output := &ssm.GetParametersOutput{}
	for _, name := range params.Names {
		if v, ok := m.values[name]; ok {
			output.Parameters = append(output.Parameters, ssmtypes.Parameter{
				Name:  aws.String(name),
				Value: aws.String(v),
			})
		}
	}
	for _, inv := range m.invalid {
		for _, name := range params.Names {
			if name == inv {
				output.InvalidParameters = append(output.InvalidParameters, inv)
			}
		}
	}
	return output, nil
}

// TestSSMProviderSatisfiesSecretProvider verifies that SSMProvider
// implements the SecretProvider interface at compile time.
func TestSSMProviderSatisfiesSecretProvider(t *testing.T) {
	var _ SecretProvider = (*SSMProvider)(nil)
	var _ SecretProvider = NewSSMProvider("us-east-1")
}

// TestNewSSMProviderStoresRegion verifies that the constructor correctly
// stores the provided region.
func TestNewSSMProviderStoresRegion(t *testing.T) {
	provider := NewSSMProvider("eu-west-1")
	if provider.region != "eu-west-1" {
		t.Errorf("provider.region = %q, want %q", provider.region, "eu-west-1")
	}
}

// TestSSMProviderEmptyKeysReturnsEmptyMap verifies that calling
// GetParametersBatch with an empty keys slice returns an empty map without
// ever touching the SSM API. No call is needed when there is nothing to
// resolve, and this path must work without AWS credentials.
func TestSSMProviderEmptyKeysReturnsEmptyMap(t *testing.T) {
	mock := &mockSSMClient{}
	provider := newSSMProviderWithClient("us-east-1", mock)

	result, err := provider.GetParametersBatch(context.Background(), []string{})
	if err != nil {
		t.Fatalf("GetParametersBatch with empty keys returned unexpected error: %v", err)
	}
	if result == nil {
		t.Error("expected non-nil map, got nil")
	}
	if len(result) != 0 {
		t.Errorf("expected empty result for empty keys, got %v", result)
	}
	if len(mock.inputs) != 0 {
		t.Errorf("SSM API was called %d times for empty keys, want 0", len(mock.inputs))
	}
}

// TestSSMProviderNilKeysReturnsEmptyMap verifies that calling
// GetParametersBatch with nil keys returns an empty map without error.
func TestSSMProviderNilKeysReturnsEmptyMap(t *testing.T) {
	mock := &mockSSMClient{}
	provider := newSSMProviderWithClient("us-east-1", mock)

	result, err := provider.GetParametersBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetParametersBatch with nil keys returned unexpected error: %v", err)
	}
	if result == nil {
		t.Error("expected non-nil map, got nil")
	}
	if len(result) != 0 {
		t.Errorf("expected empty result for nil keys, got %v", result)
	}
}

// TestSSMProviderResolvesValues verifies the happy path: requested parameter
// paths come back decrypted and mapped by path.
func TestSSMProviderResolvesValues(t *testing.T) {
	mock := &mockSSMClient{
		values: map[string]string{
			"/prod/subledger/database/url":          "postgres://prod-rds/db",
			"/prod/subledger/stripe/webhook_secret": "whsec_live_abc",
		},
	}
	provider := newSSMProviderWithClient("us-east-1", mock)

	result, err := provider.GetParametersBatch(context.Background(), []string{
		"/prod/subledger/database/url",
		"/prod/subledger/stripe/webhook_secret",
	})
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}

	if result["/prod/subledger/database/url"] != "postgres://prod-rds/db" {
		t.Errorf("database/url = %q, want resolved value", result["/prod/subledger/database/url"])
	}
	if result["/prod/subledger/stripe/webhook_secret"] != "whsec_live_abc" {
		t.Errorf("stripe/webhook_secret = %q, want resolved value", result["/prod/subledger/stripe/webhook_secret"])
	}

	// A single batch call, with decryption requested.
	if len(mock.inputs) != 1 {
		t.Fatalf("SSM API called %d times, want 1", len(mock.inputs))
	}
	if !aws.ToBool(mock.inputs[0].WithDecryption) {
		t.Error("GetParameters should request WithDecryption=true")
	}
}

// TestSSMProviderBatchesLargeRequests verifies that more than 10 keys are
// split across multiple GetParameters calls (the SSM per-call limit) and
// that the results are merged into a single map.
func TestSSMProviderBatchesLargeRequests(t *testing.T) {
	values := make(map[string]string)
	var keys []string
	for i := 0; i < 25; i++ {
		path := fmt.Sprintf("/prod/subledger/param/%02d", i)
		keys = append(keys, path)
		values[path] = fmt.Sprintf("value-%02d", i)
	}

	mock := &mockSSMClient{values: values}
	provider := newSSMProviderWithClient("us-east-1", mock)

	result, err := provider.GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}

	// 25 keys at 10 per call means 3 calls: 10, 10, 5.
	if len(mock.inputs) != 3 {
		t.Fatalf("SSM API called %d times, want 3", len(mock.inputs))
	}
	wantSizes := []int{10, 10, 5}
	for i, input := range mock.inputs {
		if len(input.Names) != wantSizes[i] {
			t.Errorf("batch %d had %d names, want %d", i, len(input.Names), wantSizes[i])
		}
	}

	if len(result) != 25 {
		t.Fatalf("result has %d entries, want 25", len(result))
	}
	for path, want := range values {
		if result[path] != want {
			t.Errorf("result[%q] = %q, want %q", path, result[path], want)
		}
	}
}

// TestSSMProviderInvalidParameters verifies that a response flagging a
// parameter as invalid (not found in the Parameter Store) is surfaced as an
// error naming the missing path, rather than a silent partial result.
func TestSSMProviderInvalidParameters(t *testing.T) {
	mock := &mockSSMClient{
		values: map[string]string{
			"/prod/subledger/database/url": "postgres://prod-rds/db",
		},
		invalid: []string{"/prod/subledger/stripe/secret_key"},
	}
	provider := newSSMProviderWithClient("us-east-1", mock)

	result, err := provider.GetParametersBatch(context.Background(), []string{
		"/prod/subledger/database/url",
		"/prod/subledger/stripe/secret_key",
	})
	if err == nil {
		t.Fatal("expected error for invalid parameter, got nil")
	}
	if result != nil {
		t.Errorf("expected nil result on invalid parameter, got %v", result)
	}
	if !strings.Contains(err.Error(), "/prod/subledger/stripe/secret_key") {
		t.Errorf("error should name the missing parameter, got: %v", err)
	}
}

// TestSSMProviderClientError verifies that an API error from the SSM client
// is wrapped and returned.
func TestSSMProviderClientError(t *testing.T) {
	mock := &mockSSMClient{err: fmt.Errorf("throttled: rate exceeded")}
	provider := newSSMProviderWithClient("us-east-1", mock)

	_, err := provider.GetParametersBatch(context.Background(), []string{"/prod/subledger/database/url"})
	if err == nil {
		t.Fatal("expected error from failing client, got nil")
	}
	if !strings.Contains(err.Error(), "throttled") {
		t.Errorf("error should wrap the client failure, got: %v", err)
	}
}

// TestSSMProviderContextCancellation verifies that a cancelled context stops
// resolution before the next batch is requested.
func TestSSMProviderContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := &mockSSMClient{values: map[string]string{}}
	provider := newSSMProviderWithClient("us-east-1", mock)

	_, err := provider.GetParametersBatch(ctx, []string{"/prod/subledger/database/url"})
	if err == nil {
		t.Fatal("expected error with cancelled context, got nil")
	}
	if len(mock.inputs) != 0 {
		t.Errorf("SSM API called %d times after cancellation, want 0", len(mock.inputs))
	}
}

// TestSSMProviderSkipsNilEntries verifies that response entries missing a
// name or value are ignored instead of panicking on a nil dereference.
func TestSSMProviderSkipsNilEntries(t *testing.T) {
	mock := &mockSSMClient{}
	provider := newSSMProviderWithClient("us-east-1", &nilEntryClient{inner: mock})

	result, err := provider.GetParametersBatch(context.Background(), []string{"/prod/subledger/database/url"})
	if err != nil {
		t.Fatalf("GetParametersBatch returned error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected nil entries to be skipped, got %v", result)
	}
}

// nilEntryClient returns a response whose parameters have nil names and
// values, simulating a malformed SDK response.
type nilEntryClient struct {
	inner *mockSSMClient
}

func (c *nilEntryClient) GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	c.inner.inputs = append(c.inner.inputs, params)
	return &ssm.GetParametersOutput{
		Parameters: []ssmtypes.Parameter{
			{Name: nil, Value: aws.String("orphan-value")},
			{Name: aws.String("/prod/subledger/database/url"), Value: nil},
		},
	}, nil
}

package evidence

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/clawgic/arena/internal/admission"
	"github.com/clawgic/arena/internal/payment"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestNewBlobsValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     BlobsConfig
		wantErr bool
	}{
		{name: "default driver is memory", cfg: BlobsConfig{}},
		{name: "unsupported driver", cfg: BlobsConfig{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: BlobsConfig{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: BlobsConfig{Driver: DriverS3, Bucket: "arena-evidence"}, wantErr: true},
		{name: "s3", cfg: BlobsConfig{Driver: DriverS3, Bucket: "arena-evidence", S3Client: &fakeS3Client{}}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, err := NewBlobs(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil || b == nil {
				t.Fatalf("NewBlobs: %v", err)
			}
		})
	}
}

func TestBlobsRejectInvalidKeys(t *testing.T) {
	t.Parallel()

	b, _ := NewBlobs(BlobsConfig{Driver: DriverMemory})
	for _, key := range []string{"", "   ", "\x00bad", "\nnewline"} {
		if err := b.Put(context.Background(), key, []byte("x"), nil); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func authorized(t *testing.T) payment.Authorization {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, err := payment.NewPending(payment.PendingInput{
		ID:             uuid.New(),
		TournamentID:   uuid.New(),
		AgentID:        uuid.New(),
		Wallet:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		RequestNonce:   "req-1",
		IdempotencyKey: "idem-1",
		PaymentHeader:  "{}",
		ChainID:        84532,
		Recipient:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
		NonceTTL:       5 * time.Minute,
	}, now)
	if err != nil {
		t.Fatalf("NewPending: %v", err)
	}
	a, err = a.Authorize(decimal.RequireFromString("5"), now)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return a
}

func TestArchiver_CommittedAndLoad(t *testing.T) {
	t.Parallel()

	b, _ := NewBlobs(BlobsConfig{Driver: DriverMemory, Prefix: "/arena/"})
	ar, err := NewArchiver(b)
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	a := authorized(t)

	if err := ar.Committed(context.Background(), a.TournamentID, admission.Result{Outcome: admission.OutcomeEntered, Authorization: a}); err != nil {
		t.Fatalf("Committed: %v", err)
	}
	ok, err := b.Exists(context.Background(), payment.EvidenceKey(a))
	if err != nil || !ok {
		t.Fatalf("Exists: got %v, %v", ok, err)
	}
	ev, err := ar.Load(context.Background(), a)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ev.AuthorizationID != a.ID.String() || ev.Status != "AUTHORIZED" || ev.AmountUSDC != "5.000000" {
		t.Fatalf("unexpected evidence: %+v", ev)
	}
	obj, _ := b.Get(context.Background(), payment.EvidenceKey(a))
	if obj.Metadata["status"] != "AUTHORIZED" {
		t.Fatalf("metadata: got %v", obj.Metadata)
	}
}

func TestArchiver_SkipsPendingAndReplay(t *testing.T) {
	t.Parallel()

	b, _ := NewBlobs(BlobsConfig{})
	ar, _ := NewArchiver(b)
	a := authorized(t)

	pending := a
	pending.Status = payment.StatusPendingVerification
	replay := payment.NewReplayRejected(uuid.New(), a, "replay", a.ReceivedAt)

	for _, r := range []admission.Result{
		{Outcome: admission.OutcomePending, Authorization: pending},
		{Outcome: admission.OutcomeRejected, Authorization: replay, Replay: true},
	} {
		if err := ar.Committed(context.Background(), a.TournamentID, r); err != nil {
			t.Fatalf("Committed: %v", err)
		}
	}
	if ok, _ := b.Exists(context.Background(), payment.EvidenceKey(a)); ok {
		t.Fatalf("pending or replay rows must not be archived")
	}
	if err := ar.Archive(context.Background(), pending); err == nil {
		t.Fatalf("Archive(pending): expected error")
	}
}

func TestS3Blobs(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{}
	b, err := NewBlobs(BlobsConfig{Driver: DriverS3, Bucket: "arena-evidence", Prefix: "prod", MaxGetSize: 8, S3Client: client})
	if err != nil {
		t.Fatalf("NewBlobs: %v", err)
	}

	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if got, want := aws.ToString(in.Key), "prod/authorizations/a.json"; got != want {
			t.Fatalf("key mismatch: got %q want %q", got, want)
		}
		if got, want := aws.ToString(in.ContentType), "application/json"; got != want {
			t.Fatalf("content type mismatch: got %q want %q", got, want)
		}
		return &s3.PutObjectOutput{}, nil
	}
	if err := b.Put(context.Background(), "authorizations/a.json", []byte("{}"), map[string]string{"status": "AUTHORIZED"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	client.getFn = func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
	}
	if _, err := b.Get(context.Background(), "authorizations/a.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	client.getFn = func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
		return nil, fakeAPIError{code: "NoSuchKey"}
	}
	if _, err := b.Get(context.Background(), "authorizations/a.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	client.headFn = func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
		return nil, fakeAPIError{code: "NotFound"}
	}
	ok, err := b.Exists(context.Background(), "authorizations/a.json")
	if err != nil || ok {
		t.Fatalf("Exists: got %v, %v", ok, err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return "missing" }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code }

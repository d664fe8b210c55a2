package limits

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/couponforge-web/internal/log"
	"github.com/keithlinneman/couponforge-web/internal/xerrors"
)

// ssmAPI is the subset of the SSM API the loader needs. Extracted as an
// interface to enable unit testing without live AWS credentials.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Verifier authenticates the raw document bytes against a detached
// signature. Satisfied by cryptoutil.KMSVerifier.
type Verifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter whose value is the S3 key of the current document
	SSMParam string

	S3Bucket string

	// Verifier, when set, requires a valid {key}.sig object next to the
	// document
	Verifier Verifier

	// AWS config (uses default if nil)
	AWSConfig *aws.Config
}

type Loader struct {
	opts      LoaderOptions
	ssmClient ssmAPI
	s3Client  s3API
	verifier  Verifier
	logger    log.Logger
}

// NewLoader creates a Loader with the given options.
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	var awsCfg aws.Config
	var err error
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}

	return &Loader{
		opts:      opts,
		ssmClient: ssm.NewFromConfig(awsCfg),
		s3Client:  s3.NewFromConfig(awsCfg),
		verifier:  opts.Verifier,
		logger:    opts.Logger,
	}, nil
}

// fetchDocumentKey gets the current document's S3 key from SSM.
func (l *Loader) fetchDocumentKey(ctx context.Context) (string, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	key := strings.TrimSpace(*out.Parameter.Value)
	if key == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}

	return key, nil
}

// fetchObject downloads an S3 object fully into memory. Documents are
// a few hundred bytes, so no streaming.
func (l *Loader) fetchObject(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	return data, nil
}

// Load fetches, optionally verifies, and parses the current overrides
// document.
func (l *Loader) Load(ctx context.Context) (*Document, error) {
	key, err := l.fetchDocumentKey(ctx)
	if err != nil {
		return nil, err
	}

	l.logger.Info(ctx, "loading limit overrides",
		"bucket", l.opts.S3Bucket,
		"key", key,
	)

	data, err := l.fetchObject(ctx, key)
	if err != nil {
		return nil, err
	}

	if l.verifier != nil {
		sig, err := l.fetchObject(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch overrides signature")
		}
		if err := l.verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrap(err, "verify overrides signature")
		}
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}

	l.logger.Info(ctx, "loaded limit overrides",
		"key", key,
		"limiters", len(doc.Limiters),
		"verified", l.verifier != nil,
	)

	return doc, nil
}

package dns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/metrics"
	"github.com/telemyapp/emulab-control-plane/internal/retry"
)

type Route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, in *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
}

type Route53Options struct {
	Region       string
	HostedZoneID string
	TTL          int64
	// WaitForSync, when positive, blocks Upsert until the change is INSYNC
	// or the duration elapses.
	WaitForSync time.Duration
	Client      Route53API
	Logger      logrus.FieldLogger
}

type Route53Provider struct {
	client Route53API
	zoneID string
	ttl    int64
	wait   time.Duration
	log    logrus.FieldLogger
	sleep  func(context.Context, time.Duration) error
}

func NewRoute53Provider(ctx context.Context, opts Route53Options) (*Route53Provider, error) {
	if strings.TrimSpace(opts.HostedZoneID) == "" {
		return nil, fmt.Errorf("HostedZoneID is required")
	}
	client := opts.Client
	if client == nil {
		cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		client = route53.NewFromConfig(cfg)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 60
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Route53Provider{
		client: client,
		zoneID: strings.TrimSpace(opts.HostedZoneID),
		ttl:    ttl,
		wait:   opts.WaitForSync,
		log:    logger.WithField("provider", "route53"),
		sleep:  retry.Sleep,
	}, nil
}

func (p *Route53Provider) Upsert(ctx context.Context, name, ip string) error {
	if strings.TrimSpace(ip) == "" {
		return retry.Permanent(fmt.Errorf("upsert %s: empty address", name))
	}
	out, err := p.change(ctx, "upsert_record", r53types.ChangeActionUpsert, name, ip)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", name, err)
	}
	p.log.WithFields(logrus.Fields{"name": name, "ip": ip}).Info("event=dns_upserted")
	if p.wait > 0 && out.ChangeInfo != nil {
		waiter := route53.NewResourceRecordSetsChangedWaiter(p.client)
		if err := waiter.Wait(ctx, &route53.GetChangeInput{Id: out.ChangeInfo.Id}, p.wait); err != nil {
			// The record is written; propagation lag only delays TLS binding.
			p.log.WithFields(logrus.Fields{"name": name, "err": err}).Warn("event=dns_sync_wait_failed")
		}
	}
	return nil
}

func (p *Route53Provider) Delete(ctx context.Context, name, ip string) error {
	if strings.TrimSpace(ip) == "" {
		current, err := p.currentValue(ctx, name)
		if err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		if current == "" {
			return ErrAlreadyAbsent
		}
		ip = current
	}
	_, err := p.change(ctx, "delete_record", r53types.ChangeActionDelete, name, ip)
	if err != nil {
		if isRecordMissing(err) {
			return ErrAlreadyAbsent
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	p.log.WithField("name", name).Info("event=dns_deleted")
	return nil
}

func (p *Route53Provider) change(ctx context.Context, op string, action r53types.ChangeAction, name, ip string) (*route53.ChangeResourceRecordSetsOutput, error) {
	in := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.zoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String("emulab session " + op),
			Changes: []r53types.Change{{
				Action: action,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name:            aws.String(name),
					Type:            r53types.RRTypeA,
					TTL:             aws.Int64(p.ttl),
					ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(ip)}},
				},
			}},
		},
	}

	policy := retry.Backoff(op, 5, 500*time.Millisecond, 2, 5*time.Second)
	policy.Jitter = true
	policy.Retryable = isTransientRoute53Error
	policy.Sleep = p.sleep

	var out *route53.ChangeResourceRecordSetsOutput
	start := time.Now()
	err := retry.Do(ctx, policy, func(callCtx context.Context) error {
		var callErr error
		out, callErr = p.client.ChangeResourceRecordSets(callCtx, in)
		return callErr
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().ObserveProvider("route53", op, status, float64(time.Since(start).Milliseconds()))
	return out, err
}

func (p *Route53Provider) currentValue(ctx context.Context, name string) (string, error) {
	out, err := p.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(p.zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: r53types.RRTypeA,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return "", err
	}
	for _, rrs := range out.ResourceRecordSets {
		if !sameName(aws.ToString(rrs.Name), name) || rrs.Type != r53types.RRTypeA {
			continue
		}
		for _, rr := range rrs.ResourceRecords {
			if v := aws.ToString(rr.Value); v != "" {
				return v, nil
			}
		}
	}
	return "", nil
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

func isRecordMissing(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "InvalidChangeBatch" &&
		strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not found")
}

func isTransientRoute53Error(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "Throttling", "ThrottlingException", "PriorRequestNotComplete", "ServiceUnavailable", "InternalError":
		return true
	default:
		return false
	}
}

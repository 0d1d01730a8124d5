package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/metrics"
	"github.com/telemyapp/emulab-control-plane/internal/model"
	"github.com/telemyapp/emulab-control-plane/internal/retry"
)

// EC2API is the subset of the EC2 client the provider calls.
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type AWSProvider struct {
	client        EC2API
	region        string
	subnetID      string
	securityGroup []string
	keyName       string
	log           logrus.FieldLogger
	sleep         func(context.Context, time.Duration) error
}

type AWSProviderOptions struct {
	Region        string
	SubnetID      string
	SecurityGroup []string
	KeyName       string
	// Client overrides the EC2 client built from the default credential chain.
	Client EC2API
	Logger logrus.FieldLogger
}

func NewAWSProvider(ctx context.Context, opts AWSProviderOptions) (*AWSProvider, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		return nil, fmt.Errorf("Region is required")
	}
	client := opts.Client
	if client == nil {
		cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		client = ec2.NewFromConfig(cfg)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AWSProvider{
		client:        client,
		region:        region,
		subnetID:      strings.TrimSpace(opts.SubnetID),
		securityGroup: opts.SecurityGroup,
		keyName:       strings.TrimSpace(opts.KeyName),
		log:           logger.WithField("provider", "ec2"),
		sleep:         retry.Sleep,
	}, nil
}

func (p *AWSProvider) CreateInstance(ctx context.Context, spec ImageSpec) (model.InstanceView, error) {
	if strings.TrimSpace(spec.ImageID) == "" {
		return model.InstanceView{}, &ProvisionError{Op: "run_instances", Err: errors.New("image id is required")}
	}
	runInput := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: ec2types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("emulab-session-" + spec.SessionID)},
					{Key: aws.String("ManagedBy"), Value: aws.String("emulab-control-plane")},
					{Key: aws.String("EmulabSessionID"), Value: aws.String(spec.SessionID)},
				},
			},
		},
	}
	if spec.DiskSizeGB > 0 {
		runInput.BlockDeviceMappings = []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &ec2types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(spec.DiskSizeGB)),
				VolumeType:          ec2types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
			},
		}}
	}
	if p.keyName != "" {
		runInput.KeyName = aws.String(p.keyName)
	}
	if p.subnetID != "" {
		eni := ec2types.InstanceNetworkInterfaceSpecification{
			DeviceIndex:              aws.Int32(0),
			AssociatePublicIpAddress: aws.Bool(true),
			SubnetId:                 aws.String(p.subnetID),
		}
		if len(p.securityGroup) > 0 {
			eni.Groups = p.securityGroup
		}
		runInput.NetworkInterfaces = []ec2types.InstanceNetworkInterfaceSpecification{eni}
	} else if len(p.securityGroup) > 0 {
		runInput.SecurityGroupIds = p.securityGroup
	}

	var runOut *ec2.RunInstancesOutput
	err := p.call(ctx, "run_instances", func(callCtx context.Context) error {
		var runErr error
		runOut, runErr = p.client.RunInstances(callCtx, runInput)
		return runErr
	})
	if err != nil {
		if isQuotaError(err) {
			return model.InstanceView{}, fmt.Errorf("run instances: %w: %w", ErrQuotaExceeded, err)
		}
		return model.InstanceView{}, &ProvisionError{Op: "run_instances", Err: err}
	}
	if len(runOut.Instances) == 0 || runOut.Instances[0].InstanceId == nil {
		return model.InstanceView{}, &ProvisionError{Op: "run_instances", Err: errors.New("no instance returned")}
	}
	view := viewOf(runOut.Instances[0])
	p.log.WithFields(logrus.Fields{"session_id": spec.SessionID, "instance_id": view.ID}).Info("event=instance_created")
	return view, nil
}

func (p *AWSProvider) DescribeInstance(ctx context.Context, id string) (model.InstanceView, error) {
	var out *ec2.DescribeInstancesOutput
	err := p.call(ctx, "describe_instances", func(callCtx context.Context) error {
		var descErr error
		out, descErr = p.client.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		return descErr
	})
	if err != nil {
		if isNotFoundError(err) {
			return model.InstanceView{}, ErrInstanceNotFound
		}
		return model.InstanceView{}, &ProvisionError{Op: "describe_instances", Err: err}
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return viewOf(inst), nil
			}
		}
	}
	return model.InstanceView{}, ErrInstanceNotFound
}

// describeBatch stays under the per-filter value limit.
const describeBatch = 200

func (p *AWSProvider) DescribeInstances(ctx context.Context, ids []string) (map[string]model.InstanceView, error) {
	out := make(map[string]model.InstanceView, len(ids))
	for start := 0; start < len(ids); start += describeBatch {
		end := min(start+describeBatch, len(ids))
		in := &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{{Name: aws.String("instance-id"), Values: ids[start:end]}},
		}
		pager := ec2.NewDescribeInstancesPaginator(p.client, in)
		for pager.HasMorePages() {
			var page *ec2.DescribeInstancesOutput
			err := p.call(ctx, "describe_instances", func(callCtx context.Context) error {
				var pageErr error
				page, pageErr = pager.NextPage(callCtx)
				return pageErr
			})
			if err != nil {
				return nil, &ProvisionError{Op: "describe_instances", Err: err}
			}
			for _, res := range page.Reservations {
				for _, inst := range res.Instances {
					v := viewOf(inst)
					out[v.ID] = v
				}
			}
		}
	}
	return out, nil
}

func (p *AWSProvider) TerminateInstance(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	err := p.call(ctx, "terminate_instances", func(callCtx context.Context) error {
		_, termErr := p.client.TerminateInstances(callCtx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{id},
		})
		return termErr
	})
	if err != nil {
		if shouldIgnoreTerminateError(err) {
			p.log.WithField("instance_id", id).Info("event=terminate_ignored reason=already_gone")
			return nil
		}
		return &ProvisionError{Op: "terminate_instances", Err: err}
	}
	return nil
}

func (p *AWSProvider) call(ctx context.Context, op string, fn func(context.Context) error) error {
	policy := retry.Backoff(op, 4, 250*time.Millisecond, 2, 2*time.Second)
	policy.Jitter = true
	policy.Retryable = isTransientAWSError
	policy.Sleep = p.sleep
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		p.log.WithFields(logrus.Fields{
			"op":       op,
			"region":   p.region,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"reason":   awsErrorCode(err),
		}).Warn("event=aws_retry")
	}

	start := time.Now()
	err := retry.Do(ctx, policy, fn)
	status := "ok"
	if err != nil {
		status = "error"
		if op == "terminate_instances" && shouldIgnoreTerminateError(err) {
			status = "ignored"
		}
	}
	metrics.Default().ObserveProvider("ec2", op, status, float64(time.Since(start).Milliseconds()))
	return err
}

func viewOf(inst ec2types.Instance) model.InstanceView {
	v := model.InstanceView{
		ID:            aws.ToString(inst.InstanceId),
		Type:          string(inst.InstanceType),
		IPAddress:     strings.TrimSpace(aws.ToString(inst.PublicIpAddress)),
		PublicAddress: strings.TrimSpace(aws.ToString(inst.PublicDnsName)),
	}
	if inst.State != nil {
		v.LifecycleState = string(inst.State.Name)
	}
	return v
}

func shouldIgnoreTerminateError(err error) bool {
	code := apiErrorCode(err)
	return code == "InvalidInstanceID.NotFound" || code == "IncorrectInstanceState"
}

func isNotFoundError(err error) bool {
	code := apiErrorCode(err)
	return code == "InvalidInstanceID.NotFound" || code == "InvalidInstanceID.Malformed"
}

func isQuotaError(err error) bool {
	switch apiErrorCode(err) {
	case "InstanceLimitExceeded",
		"VcpuLimitExceeded",
		"InsufficientInstanceCapacity",
		"MaxSpotInstanceCountExceeded":
		return true
	default:
		return false
	}
}

func isTransientAWSError(err error) bool {
	switch apiErrorCode(err) {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException",
		"InsufficientInstanceCapacity":
		return true
	default:
		return false
	}
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return ""
	}
	return strings.TrimSpace(apiErr.ErrorCode())
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	if code := apiErrorCode(err); code != "" {
		return code
	}
	return "unknown"
}

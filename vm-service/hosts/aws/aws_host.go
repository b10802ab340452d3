// Copyright (c) 2024 CollabSec, Inc.

package hosts

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	logger "github.com/collabsec/labdesk/backend/services/ldlogger"
	"github.com/collabsec/labdesk/backend/services/types"
	"github.com/collabsec/labdesk/backend/services/utils"
	"github.com/collabsec/labdesk/backend/services/vm-service/config"
)

// AWSHost implements the HostHandler interface on EC2.
type AWSHost struct {
	Region string
	Config aws.Config
	EC2    *ec2.Client
}

// Initialize starts the AWS and EC2 clients.
func (host *AWSHost) Initialize(region string) error {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return utils.MakeError("Unable to load AWS SDK config: %s", err)
	}

	host.Region = region
	host.Config = cfg
	host.EC2 = ec2.NewFromConfig(cfg)

	return nil
}

// StartInstance issues a start for the given instance.
func (host *AWSHost) StartInstance(ctx context.Context, id types.InstanceID) error {
	_, err := host.EC2.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return utils.MakeError("error starting instance %s: %s", id, describeAPIError(err))
	}
	return nil
}

// StopInstance issues a stop for the given instance.
func (host *AWSHost) StopInstance(ctx context.Context, id types.InstanceID) error {
	_, err := host.EC2.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return utils.MakeError("error stopping instance %s: %s", id, describeAPIError(err))
	}
	return nil
}

// RebootInstance issues a reboot for the given instance.
func (host *AWSHost) RebootInstance(ctx context.Context, id types.InstanceID) error {
	_, err := host.EC2.RebootInstances(ctx, &ec2.RebootInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return utils.MakeError("error rebooting instance %s: %s", id, describeAPIError(err))
	}
	return nil
}

// InstanceIP returns the private IP address of the given instance. Leased
// instances sit on a private subnet, so the gateway reaches them by private
// address.
func (host *AWSHost) InstanceIP(ctx context.Context, id types.InstanceID) (string, error) {
	result, err := host.EC2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return "", utils.MakeError("error describing instance %s: %s", id, describeAPIError(err))
	}

	for _, reservation := range result.Reservations {
		for _, instance := range reservation.Instances {
			if instance.PrivateIpAddress != nil {
				return *instance.PrivateIpAddress, nil
			}
		}
	}

	return "", utils.MakeError("instance %s has no private IP address", id)
}

// InstanceStatus returns the live status of a single instance. An instance
// with no status entry at all (stopped instances report none unless asked
// for explicitly) maps to stopped.
func (host *AWSHost) InstanceStatus(ctx context.Context, id types.InstanceID) (types.VMStatus, error) {
	result, err := host.EC2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds: []string{string(id)},
	})
	if err != nil {
		return "", utils.MakeError("error describing status of instance %s: %s", id, describeAPIError(err))
	}

	if len(result.InstanceStatuses) == 0 {
		return types.VMStatusStopped, nil
	}

	return vmStatusFromState(result.InstanceStatuses[0].InstanceState), nil
}

// InstanceStatuses returns the live status of every listed instance in a
// single describe call. IncludeAllInstances makes stopped instances appear
// in the answer too; anything still missing means the provider's answer is
// incomplete and the whole call fails rather than guessing.
func (host *AWSHost) InstanceStatuses(ctx context.Context, ids []types.InstanceID) (map[types.InstanceID]types.VMStatus, error) {
	statuses := make(map[types.InstanceID]types.VMStatus, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	instanceIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		instanceIDs = append(instanceIDs, string(id))
	}

	result, err := host.EC2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         instanceIDs,
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return nil, utils.MakeError("error describing status of %d instances: %s", len(ids), describeAPIError(err))
	}

	for _, status := range result.InstanceStatuses {
		if status.InstanceId == nil {
			continue
		}
		statuses[types.InstanceID(*status.InstanceId)] = vmStatusFromState(status.InstanceState)
	}

	var missing []types.InstanceID
	for _, id := range ids {
		if _, ok := statuses[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, utils.MakeError("provider answer is missing %d of %d instances: %v", len(missing), len(ids), missing)
	}

	return statuses, nil
}

// SpinUpInstances provisions one fresh instance per configured machine image
// for the given employee. Instances boot on the private subnet with no public
// address; the employee reaches them through the gateway only.
func (host *AWSHost) SpinUpInstances(ctx context.Context, employeeID types.UserID) (map[types.OSKind]types.InstanceID, error) {
	created := map[types.OSKind]types.InstanceID{}

	for osKind, imageID := range config.GetImageIDs() {
		input := &ec2.RunInstancesInput{
			MinCount:     aws.Int32(MIN_INSTANCE_COUNT),
			MaxCount:     aws.Int32(MAX_INSTANCE_COUNT),
			ImageId:      aws.String(imageID),
			InstanceType: ec2Types.InstanceType(config.GetInstanceType()),
			NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{
				{
					DeviceIndex:              aws.Int32(0),
					SubnetId:                 aws.String(config.GetSubnetID()),
					AssociatePublicIpAddress: aws.Bool(false),
					Groups:                   []string{config.GetSecurityGroupID()},
				},
			},
			TagSpecifications: []ec2Types.TagSpecification{
				{
					ResourceType: ec2Types.ResourceTypeInstance,
					Tags: []ec2Types.Tag{
						{
							Key:   aws.String("Name"),
							Value: aws.String(utils.Sprintf("%s - %s", employeeID, osKind)),
						},
					},
				},
			},
		}

		result, err := host.EC2.RunInstances(ctx, input)
		if err != nil {
			return created, utils.MakeError("error creating %s instance for %s: %s", osKind, employeeID, describeAPIError(err))
		}
		if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
			return created, utils.MakeError("provider returned no instance for %s/%s", employeeID, osKind)
		}

		created[osKind] = types.InstanceID(*result.Instances[0].InstanceId)
		logger.Infof("Created %s instance %s for employee %s.", osKind, created[osKind], employeeID)
	}

	return created, nil
}

// vmStatusFromState collapses the EC2 instance state machine into the
// service's two-state model. Only a verifiably running instance reports as
// running; pending, stopping, and everything else is stopped.
func vmStatusFromState(state *ec2Types.InstanceState) types.VMStatus {
	if state == nil {
		return types.VMStatusStopped
	}
	if state.Name == ec2Types.InstanceStateNameRunning {
		return types.VMStatusRunning
	}
	return types.VMStatusStopped
}

// describeAPIError surfaces the EC2 error code when the SDK error carries
// one, which makes provider failures far easier to grep in the logs.
func describeAPIError(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return utils.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err.Error()
}

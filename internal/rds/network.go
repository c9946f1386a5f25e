package rds

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	internalerrors "github.com/mpz/devops/tools/aurora-migrate/internal/errors"
)

// VerifySecurityGroups checks that every VPC security group the restored cluster
// will inherit from the replica still exists. It is skipped without an EC2 API.
func (c *Client) VerifySecurityGroups(ctx context.Context, groupIDs []string) error {
	if c.ec2 == nil || len(groupIDs) == 0 {
		return nil
	}

	out, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: groupIDs,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidGroup.NotFound" {
			return errors.Wrapf(internalerrors.ErrConfigurationConflict, "security groups of the replica: %s", apiErr.ErrorMessage())
		}
		return classify(err, "describe security groups")
	}

	found := make(map[string]bool, len(out.SecurityGroups))
	for _, g := range out.SecurityGroups {
		if g.GroupId != nil {
			found[*g.GroupId] = true
		}
	}

	var missing []string
	for _, id := range groupIDs {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Wrapf(internalerrors.ErrConfigurationConflict, "security groups not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espritsec/scanctl/internal/sandbox"
	"github.com/espritsec/scanctl/pkg/types"
)

// fakeECS is a canned-response ECS client that records the inputs it saw
type fakeECS struct {
	runTaskInput  *ecs.RunTaskInput
	runTaskOutput *ecs.RunTaskOutput
	runTaskErr    error

	listTaskArns []string
	listTasksErr error

	tasks            []ecstypes.Task
	describeCalls    int
	describeTasksErr error

	tagsByArn   map[string][]ecstypes.Tag
	listTagsErr error

	stopInputs []*ecs.StopTaskInput
	stopErr    error
}

func (f *fakeECS) RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	f.runTaskInput = params
	if f.runTaskErr != nil {
		return nil, f.runTaskErr
	}
	if f.runTaskOutput != nil {
		return f.runTaskOutput, nil
	}
	return &ecs.RunTaskOutput{
		Tasks: []ecstypes.Task{{TaskArn: aws.String("arn:aws:ecs:task/default")}},
	}, nil
}

func (f *fakeECS) ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	if f.listTasksErr != nil {
		return nil, f.listTasksErr
	}
	return &ecs.ListTasksOutput{TaskArns: f.listTaskArns}, nil
}

func (f *fakeECS) DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	f.describeCalls++
	if f.describeTasksErr != nil {
		return nil, f.describeTasksErr
	}

	requested := make(map[string]bool, len(params.Tasks))
	for _, arn := range params.Tasks {
		requested[arn] = true
	}

	out := &ecs.DescribeTasksOutput{}
	for _, task := range f.tasks {
		if requested[aws.ToString(task.TaskArn)] {
			out.Tasks = append(out.Tasks, task)
		}
	}
	return out, nil
}

func (f *fakeECS) StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	f.stopInputs = append(f.stopInputs, params)
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &ecs.StopTaskOutput{}, nil
}

func (f *fakeECS) ListTagsForResource(ctx context.Context, params *ecs.ListTagsForResourceInput, optFns ...func(*ecs.Options)) (*ecs.ListTagsForResourceOutput, error) {
	if f.listTagsErr != nil {
		return nil, f.listTagsErr
	}
	return &ecs.ListTagsForResourceOutput{
		Tags: f.tagsByArn[aws.ToString(params.ResourceArn)],
	}, nil
}

type fakeEC2 struct {
	publicIPByENI map[string]string
	describeErr   error
	requestedENIs []string
}

func (f *fakeEC2) DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	f.requestedENIs = append(f.requestedENIs, params.NetworkInterfaceIds...)
	if f.describeErr != nil {
		return nil, f.describeErr
	}

	out := &ec2.DescribeNetworkInterfacesOutput{}
	for _, eniID := range params.NetworkInterfaceIds {
		ip, ok := f.publicIPByENI[eniID]
		if !ok {
			continue
		}
		out.NetworkInterfaces = append(out.NetworkInterfaces, ec2types.NetworkInterface{
			Association: &ec2types.NetworkInterfaceAssociation{PublicIp: aws.String(ip)},
		})
	}
	return out, nil
}

func testConfig() *sandbox.Config {
	cfg := sandbox.DefaultConfig()
	cfg.Subnets = []string{"subnet-1"}
	cfg.SecurityGroups = []string{"sg-1"}
	cfg.LLMProxyURL = "https://api.esprit.example/api/v1/llm/generate"
	return cfg
}

func validRequest() *types.CreateSandboxRequest {
	return &types.CreateSandboxRequest{
		ScanID:     "scan_123",
		Target:     "https://victim.example",
		TargetType: types.TargetTypeURL,
		ScanType:   types.ScanTypeQuick,
	}
}

func taggedTask(arn, sandboxID, lastStatus string, details ...ecstypes.KeyValuePair) ecstypes.Task {
	task := ecstypes.Task{
		TaskArn:    aws.String(arn),
		LastStatus: aws.String(lastStatus),
		Tags: []ecstypes.Tag{
			{Key: aws.String("SandboxId"), Value: aws.String(sandboxID)},
		},
	}
	if len(details) > 0 {
		task.Attachments = []ecstypes.Attachment{
			{Type: aws.String("ElasticNetworkInterface"), Details: details},
		}
	}
	return task
}

func TestManager_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions a tagged task and returns creating", func(t *testing.T) {
		ecsClient := &fakeECS{}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		before := time.Now()
		sb, err := manager.Create(ctx, validRequest(), "tenant-1")
		require.NoError(t, err)

		assert.NotEmpty(t, sb.ID)
		assert.Contains(t, sb.ID, "sbx_")
		assert.Equal(t, types.SandboxStatusCreating, sb.Status)
		require.NotNil(t, sb.ExpiresAt)
		assert.WithinDuration(t, before.Add(2*time.Hour), *sb.ExpiresAt, 5*time.Second)

		input := ecsClient.runTaskInput
		require.NotNil(t, input)
		assert.Equal(t, "esprit-sandboxes", aws.ToString(input.Cluster))
		assert.Equal(t, "esprit-sandbox", aws.ToString(input.TaskDefinition))
		assert.Equal(t, ecstypes.LaunchTypeFargate, input.LaunchType)
		assert.Equal(t, ecstypes.AssignPublicIpEnabled, input.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp)
		assert.Equal(t, []string{"subnet-1"}, input.NetworkConfiguration.AwsvpcConfiguration.Subnets)

		tags := map[string]string{}
		for _, tag := range input.Tags {
			tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		}
		assert.Equal(t, sb.ID, tags["SandboxId"])
		assert.Equal(t, "tenant-1", tags["UserId"])
		assert.Equal(t, "scan_123", tags["ScanId"])

		env := map[string]string{}
		for _, kv := range input.Overrides.ContainerOverrides[0].Environment {
			env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
		}
		assert.Equal(t, sb.ID, env["SANDBOX_ID"])
		assert.Equal(t, "https://victim.example", env["TARGET"])
		assert.Equal(t, "url", env["TARGET_TYPE"])
		assert.Equal(t, "quick", env["SCAN_TYPE"])
		assert.Equal(t, "tenant-1", env["USER_ID"])
		assert.Equal(t, "https://api.esprit.example/api/v1/llm/generate", env["LLM_PROXY_URL"])
	})

	t.Run("rejects unsupported target type before any backend call", func(t *testing.T) {
		ecsClient := &fakeECS{}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		req := validRequest()
		req.TargetType = "ftp"
		_, err := manager.Create(ctx, req, "tenant-1")
		require.ErrorIs(t, err, sandbox.ErrInvalidRequest)
		assert.Nil(t, ecsClient.runTaskInput, "no backend call expected")
	})

	t.Run("rejects unsupported scan type", func(t *testing.T) {
		manager := sandbox.NewManager(testConfig(), &fakeECS{}, &fakeEC2{})

		req := validRequest()
		req.ScanType = "exhaustive"
		_, err := manager.Create(ctx, req, "tenant-1")
		assert.ErrorIs(t, err, sandbox.ErrInvalidRequest)
	})

	t.Run("surfaces a run task fault", func(t *testing.T) {
		ecsClient := &fakeECS{runTaskErr: errors.New("throttled")}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		_, err := manager.Create(ctx, validRequest(), "tenant-1")
		assert.ErrorIs(t, err, sandbox.ErrBackendUnavailable)
	})

	t.Run("surfaces a capacity rejection", func(t *testing.T) {
		ecsClient := &fakeECS{
			runTaskOutput: &ecs.RunTaskOutput{
				Failures: []ecstypes.Failure{{Reason: aws.String("RESOURCE:MEMORY")}},
			},
		}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		_, err := manager.Create(ctx, validRequest(), "tenant-1")
		require.ErrorIs(t, err, sandbox.ErrBackendUnavailable)
		assert.Contains(t, err.Error(), "RESOURCE:MEMORY")
	})
}

func TestManager_GetStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("running task with public IP", func(t *testing.T) {
		ecsClient := &fakeECS{
			listTaskArns: []string{"arn:task/1"},
			tasks: []ecstypes.Task{
				taggedTask("arn:task/1", "sbx_abc", "RUNNING",
					ecstypes.KeyValuePair{Name: aws.String("networkInterfaceId"), Value: aws.String("eni-1")},
				),
			},
		}
		ec2Client := &fakeEC2{publicIPByENI: map[string]string{"eni-1": "203.0.113.7"}}
		manager := sandbox.NewManager(testConfig(), ecsClient, ec2Client)

		sb, err := manager.GetStatus(ctx, "sbx_abc")
		require.NoError(t, err)
		assert.Equal(t, types.SandboxStatusRunning, sb.Status)
		require.NotNil(t, sb.PublicIP)
		assert.Equal(t, "203.0.113.7", *sb.PublicIP)
		require.NotNil(t, sb.ToolServerURL)
		assert.Equal(t, "http://203.0.113.7:5000", *sb.ToolServerURL)
	})

	t.Run("non-running listed task reports creating", func(t *testing.T) {
		ecsClient := &fakeECS{
			listTaskArns: []string{"arn:task/1"},
			tasks:        []ecstypes.Task{taggedTask("arn:task/1", "sbx_abc", "PROVISIONING")},
		}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		sb, err := manager.GetStatus(ctx, "sbx_abc")
		require.NoError(t, err)
		assert.Equal(t, types.SandboxStatusCreating, sb.Status)
	})

	t.Run("never returns another sandbox's network details", func(t *testing.T) {
		ecsClient := &fakeECS{
			listTaskArns: []string{"arn:task/1", "arn:task/2"},
			tasks: []ecstypes.Task{
				taggedTask("arn:task/1", "sbx_other", "RUNNING",
					ecstypes.KeyValuePair{Name: aws.String("networkInterfaceId"), Value: aws.String("eni-other")},
				),
				taggedTask("arn:task/2", "sbx_mine", "RUNNING",
					ecstypes.KeyValuePair{Name: aws.String("networkInterfaceId"), Value: aws.String("eni-mine")},
				),
			},
		}
		ec2Client := &fakeEC2{publicIPByENI: map[string]string{
			"eni-other": "198.51.100.1",
			"eni-mine":  "203.0.113.9",
		}}
		manager := sandbox.NewManager(testConfig(), ecsClient, ec2Client)

		sb, err := manager.GetStatus(ctx, "sbx_mine")
		require.NoError(t, err)
		require.NotNil(t, sb.PublicIP)
		assert.Equal(t, "203.0.113.9", *sb.PublicIP)
		assert.Equal(t, []string{"eni-mine"}, ec2Client.requestedENIs)
	})

	t.Run("no matching task reports stopped", func(t *testing.T) {
		ecsClient := &fakeECS{listTaskArns: []string{}}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		sb, err := manager.GetStatus(ctx, "sbx_gone")
		require.NoError(t, err)
		assert.Equal(t, types.SandboxStatusStopped, sb.Status)
		assert.Nil(t, sb.PublicIP)
	})

	t.Run("fresh create inside grace window reports creating despite listing lag", func(t *testing.T) {
		ecsClient := &fakeECS{listTaskArns: []string{}}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		sb, err := manager.Create(ctx, validRequest(), "tenant-1")
		require.NoError(t, err)

		// The listing does not include the new task yet
		status, err := manager.GetStatus(ctx, sb.ID)
		require.NoError(t, err)
		assert.Equal(t, types.SandboxStatusCreating, status.Status)
	})

	t.Run("fresh create past grace window reports stopped", func(t *testing.T) {
		cfg := testConfig()
		cfg.GracePeriod = 0
		ecsClient := &fakeECS{listTaskArns: []string{}}
		manager := sandbox.NewManager(cfg, ecsClient, &fakeEC2{})

		sb, err := manager.Create(ctx, validRequest(), "tenant-1")
		require.NoError(t, err)

		status, err := manager.GetStatus(ctx, sb.ID)
		require.NoError(t, err)
		assert.Equal(t, types.SandboxStatusStopped, status.Status)
	})

	t.Run("cached task ARN skips the cluster scan", func(t *testing.T) {
		ecsClient := &fakeECS{
			runTaskOutput: &ecs.RunTaskOutput{
				Tasks: []ecstypes.Task{{TaskArn: aws.String("arn:task/fresh")}},
			},
		}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		sb, err := manager.Create(ctx, validRequest(), "tenant-1")
		require.NoError(t, err)

		ecsClient.tasks = []ecstypes.Task{taggedTask("arn:task/fresh", sb.ID, "RUNNING")}

		status, err := manager.GetStatus(ctx, sb.ID)
		require.NoError(t, err)
		assert.Equal(t, types.SandboxStatusRunning, status.Status)
		assert.Equal(t, 1, ecsClient.describeCalls, "one describe on the cached ARN, no scan")
	})

	t.Run("backend fault is distinguishable from not found", func(t *testing.T) {
		ecsClient := &fakeECS{listTasksErr: errors.New("connection reset")}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		_, err := manager.GetStatus(ctx, "sbx_abc")
		assert.ErrorIs(t, err, sandbox.ErrBackendUnavailable)
	})
}

func TestManager_Destroy(t *testing.T) {
	ctx := context.Background()

	t.Run("stops the matching task exactly once", func(t *testing.T) {
		ecsClient := &fakeECS{
			listTaskArns: []string{"arn:task/1", "arn:task/2"},
			tagsByArn: map[string][]ecstypes.Tag{
				"arn:task/1": {{Key: aws.String("SandboxId"), Value: aws.String("sbx_other")}},
				"arn:task/2": {{Key: aws.String("SandboxId"), Value: aws.String("sbx_mine")}},
			},
		}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		ok, err := manager.Destroy(ctx, "sbx_mine")
		require.NoError(t, err)
		assert.True(t, ok)

		require.Len(t, ecsClient.stopInputs, 1)
		assert.Equal(t, "arn:task/2", aws.ToString(ecsClient.stopInputs[0].Task))
		assert.Equal(t, "Sandbox destroyed by user", aws.ToString(ecsClient.stopInputs[0].Reason))
	})

	t.Run("no matching task returns false without error", func(t *testing.T) {
		ecsClient := &fakeECS{listTaskArns: []string{}}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		ok, err := manager.Destroy(ctx, "sbx_never_existed")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, ecsClient.stopInputs)
	})

	t.Run("second destroy returns false and stops nothing else", func(t *testing.T) {
		ecsClient := &fakeECS{
			listTaskArns: []string{"arn:task/1"},
			tagsByArn: map[string][]ecstypes.Tag{
				"arn:task/1": {{Key: aws.String("SandboxId"), Value: aws.String("sbx_mine")}},
			},
		}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		ok, err := manager.Destroy(ctx, "sbx_mine")
		require.NoError(t, err)
		require.True(t, ok)

		// Task is gone from the listing now
		ecsClient.listTaskArns = nil

		ok, err = manager.Destroy(ctx, "sbx_mine")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, ecsClient.stopInputs, 1)
	})

	t.Run("backend fault is surfaced, not reported as not found", func(t *testing.T) {
		ecsClient := &fakeECS{
			listTaskArns: []string{"arn:task/1"},
			listTagsErr:  errors.New("access denied"),
		}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		_, err := manager.Destroy(ctx, "sbx_mine")
		assert.ErrorIs(t, err, sandbox.ErrBackendUnavailable)
	})
}

func TestManager_ListRunning(t *testing.T) {
	ctx := context.Background()

	t.Run("returns only sandbox-tagged tasks", func(t *testing.T) {
		started := time.Now().Add(-3 * time.Hour)
		tagged := taggedTask("arn:task/1", "sbx_old", "RUNNING")
		tagged.StartedAt = aws.Time(started)

		ecsClient := &fakeECS{
			listTaskArns: []string{"arn:task/1", "arn:task/2"},
			tasks: []ecstypes.Task{
				tagged,
				{TaskArn: aws.String("arn:task/2"), LastStatus: aws.String("RUNNING")},
			},
		}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		running, err := manager.ListRunning(ctx)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "sbx_old", running[0].ID)
		require.NotNil(t, running[0].StartedAt)
		assert.WithinDuration(t, started, *running[0].StartedAt, time.Second)
	})

	t.Run("unstarted task ages from its creation stamp", func(t *testing.T) {
		created := time.Now().Add(-3 * time.Hour)
		stuck := taggedTask("arn:task/1", "sbx_stuck", "PROVISIONING")
		stuck.CreatedAt = aws.Time(created)

		ecsClient := &fakeECS{
			listTaskArns: []string{"arn:task/1"},
			tasks:        []ecstypes.Task{stuck},
		}
		manager := sandbox.NewManager(testConfig(), ecsClient, &fakeEC2{})

		running, err := manager.ListRunning(ctx)
		require.NoError(t, err)
		require.Len(t, running, 1)
		require.NotNil(t, running[0].StartedAt, "a never-started task must still carry an age")
		assert.WithinDuration(t, created, *running[0].StartedAt, time.Second)
	})

	t.Run("empty cluster yields nothing", func(t *testing.T) {
		manager := sandbox.NewManager(testConfig(), &fakeECS{}, &fakeEC2{})

		running, err := manager.ListRunning(ctx)
		require.NoError(t, err)
		assert.Empty(t, running)
	})
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"chatloop/internal/conversation"
)

const useAWSToolName = "use_aws"

var readOnlyAWSOperationPrefixes = []string{"get", "describe", "list", "ls", "search", "batch_get"}

type useAWSParams struct {
	ServiceName   string         `json:"service_name" jsonschema_description:"AWS CLI service name, for example s3 or ec2."`
	OperationName string         `json:"operation_name" jsonschema_description:"Operation in snake_case, for example describe_instances."`
	Parameters    map[string]any `json:"parameters,omitempty" jsonschema_description:"Operation parameters. Keys become --kebab-case flags."`
	Region        string         `json:"region" jsonschema_description:"Region the call is made in."`
	ProfileName   string         `json:"profile_name,omitempty" jsonschema_description:"Named profile from the shared AWS config."`
	Label         string         `json:"label,omitempty" jsonschema_description:"Human readable description of the call."`
}

// AWSConfigLoader resolves the effective region for a call.
type AWSConfigLoader func(ctx context.Context, region, profile string) (aws.Config, error)

// CommandRunner runs an external program and returns its stdout and stderr.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// UseAWS invokes the AWS CLI. Read-only operations are trusted by default.
type UseAWS struct {
	LoadConfig AWSConfigLoader
	Run        CommandRunner
}

// NewUseAWS constructs the use_aws tool backed by the shared AWS config and
// the aws binary on PATH.
func NewUseAWS() UseAWS {
	return UseAWS{LoadConfig: loadAWSConfig, Run: runCommand}
}

func loadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (UseAWS) Name() string { return useAWSToolName }

func (UseAWS) DisplayName() string { return "Use AWS" }

func (UseAWS) Description() string {
	return "Make an AWS CLI call with the given service, operation and parameters. Output is JSON."
}

func (UseAWS) Schema() json.RawMessage { return reflectSchema(useAWSParams{}) }

func (UseAWS) RequiresConfirmationByDefault() bool { return true }

func (UseAWS) Targets(params json.RawMessage) (conversation.Targets, error) {
	var input useAWSParams
	if err := decodeParams(params, &input); err != nil {
		return conversation.Targets{}, fmt.Errorf("decode use_aws params: %w", err)
	}
	return conversation.Targets{Services: []string{input.ServiceName}}, nil
}

func (UseAWS) Validate(params json.RawMessage) error {
	var input useAWSParams
	if err := decodeParams(params, &input); err != nil {
		return fmt.Errorf("decode use_aws params: %w", err)
	}
	if strings.TrimSpace(input.ServiceName) == "" {
		return errors.New("service_name is required")
	}
	if strings.TrimSpace(input.OperationName) == "" {
		return errors.New("operation_name is required")
	}
	return nil
}

func (UseAWS) IsReadOnly(params json.RawMessage) bool {
	var input useAWSParams
	if err := decodeParams(params, &input); err != nil {
		return false
	}
	op := strings.ToLower(input.OperationName)
	return slices.ContainsFunc(readOnlyAWSOperationPrefixes, func(p string) bool {
		return strings.HasPrefix(op, p)
	})
}

func (u UseAWS) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	var input useAWSParams
	if err := decodeParams(params, &input); err != nil {
		return Result{}, fmt.Errorf("decode use_aws params: %w", err)
	}

	cfg, err := u.LoadConfig(ctx, input.Region, input.ProfileName)
	if err != nil {
		return Result{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return Result{}, errors.New("no AWS region configured; pass region")
	}

	args, err := awsCLIArgs(input, cfg.Region)
	if err != nil {
		return Result{}, err
	}
	stdout, stderr, runErr := u.Run(ctx, "aws", args...)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	output := combineStdoutStderr(string(stdout), string(stderr))
	clipped := clipTail(output, outputLimits{})
	details, _ := json.Marshal(map[string]any{
		"service":   input.ServiceName,
		"operation": input.OperationName,
		"region":    cfg.Region,
		"truncated": clipped.Truncated(),
	})
	result := Result{
		Content: clipped.Text,
		Display: DisplayData{Type: "aws_output", Payload: details},
	}
	if runErr != nil {
		return result, fmt.Errorf("aws %s %s: %w\n%s", input.ServiceName, kebab(input.OperationName), runErr, strings.TrimSpace(string(stderr)))
	}
	return result, nil
}

// awsCLIArgs maps parameters onto CLI flags. Strings pass through, true
// becomes a bare flag, false is omitted and everything else is JSON encoded.
func awsCLIArgs(input useAWSParams, region string) ([]string, error) {
	args := []string{input.ServiceName, kebab(input.OperationName)}

	keys := make([]string, 0, len(input.Parameters))
	for k := range input.Parameters {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		flag := "--" + kebab(k)
		switch v := input.Parameters[k].(type) {
		case string:
			args = append(args, flag, v)
		case bool:
			if v {
				args = append(args, flag)
			}
		case nil:
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode parameter %s: %w", k, err)
			}
			args = append(args, flag, string(raw))
		}
	}

	args = append(args, "--region", region)
	if input.ProfileName != "" {
		args = append(args, "--profile", input.ProfileName)
	}
	return append(args, "--output", "json"), nil
}

// kebab converts snake_case and camelCase to kebab-case.
func kebab(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '_':
			b.WriteByte('-')
		case unicode.IsUpper(r):
			if i > 0 && s[i-1] != '_' && s[i-1] != '-' {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/go-cmp/cmp"
)

func fakeAWS(region string, stdout string, runErr error) (UseAWS, *[]string) {
	var got []string
	return UseAWS{
		LoadConfig: func(ctx context.Context, r, profile string) (aws.Config, error) {
			if r == "" {
				r = region
			}
			return aws.Config{Region: r}, nil
		},
		Run: func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
			got = append([]string{name}, args...)
			return []byte(stdout), nil, runErr
		},
	}, &got
}

func TestUseAWSBuildsCLIInvocation(t *testing.T) {
	t.Parallel()

	tool, args := fakeAWS("us-east-1", `{"Buckets":[]}`, nil)
	params := `{"service_name":"s3api","operation_name":"list_objects_v2","region":"eu-west-1","profile_name":"dev",
		"parameters":{"bucket":"logs","maxKeys":5,"fetch_owner":true,"no_paginate":false}}`

	got, err := tool.Execute(context.Background(), json.RawMessage(params))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.Content != `{"Buckets":[]}` {
		t.Fatalf("Execute().Content = %q, want CLI stdout", got.Content)
	}

	want := []string{
		"aws", "s3api", "list-objects-v2",
		"--bucket", "logs",
		"--fetch-owner",
		"--max-keys", "5",
		"--region", "eu-west-1",
		"--profile", "dev",
		"--output", "json",
	}
	if diff := cmp.Diff(want, *args); diff != "" {
		t.Fatalf("aws args mismatch (-want +got):\n%s", diff)
	}
}

func TestUseAWSReportsCLIFailure(t *testing.T) {
	t.Parallel()

	tool, _ := fakeAWS("us-east-1", "", errors.New("exit status 255"))
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"service_name":"ec2","operation_name":"describe_instances","region":"us-east-1"}`))
	if err == nil || !strings.Contains(err.Error(), "describe-instances") {
		t.Fatalf("Execute() error = %v, want failure naming the operation", err)
	}
}

func TestUseAWSReadOnlyOperations(t *testing.T) {
	t.Parallel()

	tool := NewUseAWS()
	tests := map[string]bool{
		"describe_instances":   true,
		"list_buckets":         true,
		"get_object":           true,
		"batch_get_item":       true,
		"ls":                   true,
		"put_object":           false,
		"terminate_instances":  false,
		"delete_bucket_policy": false,
	}
	for op, want := range tests {
		params, _ := json.Marshal(map[string]string{"service_name": "s3", "operation_name": op, "region": "us-east-1"})
		if got := tool.IsReadOnly(params); got != want {
			t.Fatalf("IsReadOnly(%s) = %v, want %v", op, got, want)
		}
	}
}

func TestUseAWSTargetsService(t *testing.T) {
	t.Parallel()

	targets, err := NewUseAWS().Targets(json.RawMessage(`{"service_name":"iam","operation_name":"list_users","region":"us-east-1"}`))
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if diff := cmp.Diff([]string{"iam"}, targets.Services); diff != "" {
		t.Fatalf("Targets().Services mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadAWSConfigUsesSharedProfile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config")
	credsPath := filepath.Join(dir, "credentials")
	if err := os.WriteFile(configPath, []byte("[profile dev]\nregion = ap-south-1\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(credsPath, []byte(""), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("AWS_CONFIG_FILE", configPath)
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", credsPath)
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")

	cfg, err := loadAWSConfig(context.Background(), "", "dev")
	if err != nil {
		t.Fatalf("loadAWSConfig() error = %v", err)
	}
	if cfg.Region != "ap-south-1" {
		t.Fatalf("Region = %q, want ap-south-1", cfg.Region)
	}

	cfg, err = loadAWSConfig(context.Background(), "us-west-2", "dev")
	if err != nil {
		t.Fatalf("loadAWSConfig() error = %v", err)
	}
	if cfg.Region != "us-west-2" {
		t.Fatalf("Region = %q, want explicit us-west-2", cfg.Region)
	}
}

func TestKebab(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"list_objects_v2": "list-objects-v2",
		"maxKeys":         "max-keys",
		"DryRun":          "dry-run",
		"bucket":          "bucket",
	}
	for in, want := range tests {
		if got := kebab(in); got != want {
			t.Fatalf("kebab(%q) = %q, want %q", in, got, want)
		}
	}
}

package remote

import (
	"fmt"
	"strings"
)

// Media storage providers.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// awsRegions lists the regions accepted for the aws provider.
var awsRegions = map[string]bool{
	"us-east-1": true, "us-east-2": true, "us-west-1": true, "us-west-2": true,
	"eu-west-1": true, "eu-west-2": true, "eu-west-3": true, "eu-central-1": true,
	"eu-north-1": true, "eu-south-1": true,
	"ap-northeast-1": true, "ap-northeast-2": true, "ap-northeast-3": true,
	"ap-southeast-1": true, "ap-southeast-2": true, "ap-south-1": true,
	"ca-central-1": true, "sa-east-1": true, "me-south-1": true, "af-south-1": true,
}

// MediaConfig describes the bucket media uploads go to.
type MediaConfig struct {
	Provider  string
	Bucket    string
	Endpoint  string // minio: host[:port] or URL; r2: the account id
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// endpointSettings are the S3 client settings derived from a provider preset.
type endpointSettings struct {
	BaseEndpoint string // empty selects the SDK default
	Region       string
	PathStyle    bool
}

// resolve applies the provider preset.
func (c MediaConfig) resolve() (endpointSettings, error) {
	if c.Bucket == "" {
		return endpointSettings{}, fmt.Errorf("media bucket is required")
	}

	switch strings.ToLower(c.Provider) {
	case ProviderAWS, "":
		region := c.Region
		if region == "" {
			region = "us-east-1"
		}
		if !awsRegions[region] {
			return endpointSettings{}, fmt.Errorf("unknown AWS region: %s", region)
		}
		return endpointSettings{Region: region}, nil

	case ProviderMinIO:
		if c.Endpoint == "" {
			return endpointSettings{}, fmt.Errorf("minio endpoint is required")
		}
		endpoint := c.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			if c.UseSSL {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		}
		region := c.Region
		if region == "" {
			region = "us-east-1"
		}
		// MinIO needs path-style URLs (endpoint/bucket/key).
		return endpointSettings{BaseEndpoint: strings.TrimSuffix(endpoint, "/"), Region: region, PathStyle: true}, nil

	case ProviderR2:
		if !IsValidR2AccountID(c.Endpoint) {
			return endpointSettings{}, fmt.Errorf("r2 needs a 32 character hex account id, got %q", c.Endpoint)
		}
		return endpointSettings{
			BaseEndpoint: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.Endpoint),
			Region:       "auto",
		}, nil
	}
	return endpointSettings{}, fmt.Errorf("unknown media provider %q", c.Provider)
}

// IsValidR2AccountID checks the shape of a Cloudflare account id.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/docker/docker/api/types/registry"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

type imageState struct {
	Name          string `json:"name"`
	Repository    string `json:"repository"`
	Tag           string `json:"tag"`
	RepositoryURI string `json:"repositoryUri"`
	ImageURI      string `json:"imageUri"`
	Digest        string `json:"digest"`
}

// parseECRImage splits an ECR image URI into repository and tag. ok is false
// for images hosted elsewhere.
func parseECRImage(ref string) (repo, tag string, ok bool) {
	host, path, found := strings.Cut(ref, "/")
	if !found || !strings.Contains(host, ".dkr.ecr.") {
		return "", "", false
	}
	if strings.Contains(path, "@") {
		return "", "", false
	}
	tag = "latest"
	if i := strings.LastIndex(path, ":"); i > 0 {
		path, tag = path[:i], path[i+1:]
	}
	return path, tag, path != ""
}

func (p *Provider) applyImage(ctx context.Context, req *sdk.ApplyRequest) (*imageState, error) {
	var spec ir.ImageSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}

	repoURI, err := p.ensureRepository(ctx, spec.Repository)
	if err != nil {
		return nil, err
	}
	uri := repoURI + ":" + spec.Tag

	if spec.BuildContext != "" {
		auth, err := p.registryAuth(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.builder.BuildImage(ctx, &spec, uri); err != nil {
			return nil, err
		}
		if err := p.builder.PushImage(ctx, uri, auth); err != nil {
			return nil, err
		}
		logging.Logger().Info("image pushed", "uri", uri)
	}

	digest, err := p.imageDigest(ctx, spec.Repository, spec.Tag)
	if err != nil {
		return nil, err
	}
	return &imageState{
		Name:          req.Name,
		Repository:    spec.Repository,
		Tag:           spec.Tag,
		RepositoryURI: repoURI,
		ImageURI:      uri,
		Digest:        digest,
	}, nil
}

func (p *Provider) ensureRepository(ctx context.Context, name string) (string, error) {
	out, err := p.ecrClient.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
	})
	if err == nil {
		return aws.ToString(out.Repository.RepositoryUri), nil
	}
	if !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to create repository %s: %w", name, err)
	}
	existing, err := p.ecrClient.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}})
	if err != nil || len(existing.Repositories) == 0 {
		return "", fmt.Errorf("failed to describe repository %s: %w", name, err)
	}
	return aws.ToString(existing.Repositories[0].RepositoryUri), nil
}

// registryAuth returns the encoded credentials docker needs to push to ECR.
func (p *Provider) registryAuth(ctx context.Context) (string, error) {
	out, err := p.ecrClient.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get ecr authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", errors.New("ecr returned no authorization data")
	}
	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return "", fmt.Errorf("failed to decode ecr token: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", errors.New("malformed ecr token")
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      user,
		Password:      pass,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	})
}

// imageDigest returns the digest of repo:tag, or an error wrapping
// ir.ErrImageNotFound.
func (p *Provider) imageDigest(ctx context.Context, repo, tag string) (string, error) {
	out, err := p.ecrClient.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repo),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s:%s", ir.ErrImageNotFound, repo, tag)
		}
		return "", fmt.Errorf("failed to describe image %s:%s: %w", repo, tag, err)
	}
	if len(out.ImageDetails) == 0 {
		return "", fmt.Errorf("%w: %s:%s", ir.ErrImageNotFound, repo, tag)
	}
	return aws.ToString(out.ImageDetails[0].ImageDigest), nil
}

// ResolveImage implements deploy.ImageResolver. ECR images are pinned to their
// digest; images from other registries are used as given.
func (p *Provider) ResolveImage(ctx context.Context, ref string) (string, error) {
	repo, tag, ok := parseECRImage(ref)
	if !ok {
		return ref, nil
	}
	digest, err := p.imageDigest(ctx, repo, tag)
	if err != nil {
		return "", err
	}
	host, _, _ := strings.Cut(ref, "/")
	return host + "/" + repo + "@" + digest, nil
}

func (p *Provider) readImage(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state imageState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	digest, err := p.imageDigest(ctx, state.Repository, state.Tag)
	if err != nil {
		if errors.Is(err, ir.ErrImageNotFound) {
			return &sdk.ReadResponse{Exists: false}, nil
		}
		return nil, err
	}
	state.Digest = digest
	data, err := sdk.Encode(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{Exists: true, Converged: true, NewStateJSON: data}, nil
}

func (p *Provider) deleteImage(ctx context.Context, req *sdk.DeleteRequest) error {
	var state imageState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return err
	}
	_, err := p.ecrClient.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
		RepositoryName: aws.String(state.Repository),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(state.Tag)}},
	})
	if err != nil {
		if isNotFound(err) {
			return notFound(ir.KindImage, req.Name)
		}
		return fmt.Errorf("failed to delete image %s:%s: %w", state.Repository, state.Tag, err)
	}

	// The repository stays while other tags live in it.
	_, err = p.ecrClient.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{RepositoryName: aws.String(state.Repository)})
	if err != nil && !isNotFound(err) && !hasCode(err, "RepositoryNotEmptyException") {
		return fmt.Errorf("failed to delete repository %s: %w", state.Repository, err)
	}
	return nil
}

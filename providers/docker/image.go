package docker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

type imageState struct {
	Name       string `json:"name"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	ImageURI   string `json:"imageUri"`
	Digest     string `json:"digest"`
}

// drain consumes a daemon progress stream and returns the first error it reports.
func drain(stream io.Reader) error {
	return jsonmessage.DisplayJSONMessagesStream(stream, io.Discard, 0, false, nil)
}

// BuildImage builds spec's context and tags the result as ref.
func (p *Provider) BuildImage(ctx context.Context, spec *ir.ImageSpec, ref string) error {
	if err := p.ensureClient(); err != nil {
		return err
	}
	tar, err := archive.TarWithOptions(spec.BuildContext, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context tar: %w", err)
	}
	defer tar.Close()

	resp, err := p.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: spec.Dockerfile,
		Platform:   spec.Platform,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	if err := drain(resp.Body); err != nil {
		return fmt.Errorf("failed to build image %s: %w", ref, err)
	}
	logging.Logger().Info("image built", "ref", ref)
	return nil
}

// PushImage pushes ref with the encoded registry credentials.
func (p *Provider) PushImage(ctx context.Context, ref, registryAuth string) error {
	if err := p.ensureClient(); err != nil {
		return err
	}
	reader, err := p.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: registryAuth})
	if err != nil {
		return fmt.Errorf("failed to push image %s: %w", ref, err)
	}
	defer reader.Close()
	if err := drain(reader); err != nil {
		return fmt.Errorf("failed to push image %s: %w", ref, err)
	}
	return nil
}

func (p *Provider) pull(ctx context.Context, ref string) error {
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ir.ErrImageNotFound, ref)
		}
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if err := drain(reader); err != nil {
		return fmt.Errorf("%w: %s: %v", ir.ErrImageNotFound, ref, err)
	}
	return nil
}

func (p *Provider) applyImage(ctx context.Context, req *sdk.ApplyRequest) (*imageState, error) {
	var spec ir.ImageSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	ref := spec.Repository + ":" + spec.Tag

	if spec.BuildContext != "" {
		if err := p.BuildImage(ctx, &spec, ref); err != nil {
			return nil, err
		}
	} else if _, err := p.ResolveImage(ctx, ref); err != nil {
		if err := p.pull(ctx, ref); err != nil {
			return nil, err
		}
	}

	id, err := p.ResolveImage(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &imageState{
		Name:       req.Name,
		Repository: spec.Repository,
		Tag:        spec.Tag,
		ImageURI:   ref,
		Digest:     id,
	}, nil
}

// ResolveImage implements deploy.ImageResolver with the local image ID.
func (p *Provider) ResolveImage(ctx context.Context, ref string) (string, error) {
	if err := p.ensureClient(); err != nil {
		return "", err
	}
	inspect, _, err := p.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("%w: %s", ir.ErrImageNotFound, ref)
		}
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return inspect.ID, nil
}

func (p *Provider) readImage(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state imageState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	id, err := p.ResolveImage(ctx, state.ImageURI)
	if err != nil {
		if errors.Is(err, ir.ErrImageNotFound) {
			return &sdk.ReadResponse{Exists: false}, nil
		}
		return nil, err
	}
	state.Digest = id
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
	_, err := p.client.ImageRemove(ctx, state.ImageURI, image.RemoveOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("image %s: %w", req.Name, ir.ErrNotFound)
		}
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}

package keyadmin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/types"
)

// ProjectsService manages projects.
type ProjectsService struct {
	gateway *Gateway
}

// List returns one page of projects.
func (s *ProjectsService) List(ctx context.Context, opts types.ListOptions) (*types.Page[types.Project], error) {
	var page types.Page[types.Project]
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodGet, Path: constants.ProjectsPath, Query: opts.Values()}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Get returns the project with the given UUID.
func (s *ProjectsService) Get(ctx context.Context, uuid string) (*types.Project, error) {
	var project types.Project
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodGet, Path: itemPath(constants.ProjectsPath, uuid)}, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// Create creates a project.
func (s *ProjectsService) Create(ctx context.Context, req *types.ProjectRequest) (*types.Project, error) {
	var project types.Project
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodPost, Path: constants.ProjectsPath, Body: req}, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// Update patches project id.
func (s *ProjectsService) Update(ctx context.Context, id uint, req *types.ProjectRequest) (*types.Project, error) {
	var project types.Project
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodPut, Path: idPath(constants.ProjectsPath, id), Body: req}, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// Delete removes project id.
func (s *ProjectsService) Delete(ctx context.Context, id uint) error {
	return s.gateway.Do(ctx, &Request{Method: http.MethodDelete, Path: idPath(constants.ProjectsPath, id)}, nil)
}

// BatchCreate creates several projects in one call.
func (s *ProjectsService) BatchCreate(ctx context.Context, reqs []types.ProjectRequest) ([]types.Project, error) {
	var projects []types.Project
	body := struct {
		Data []types.ProjectRequest `json:"data"`
	}{Data: reqs}
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodPost, Path: batchPath(constants.ProjectsPath), Body: body}, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// BatchDelete removes several projects in one call.
func (s *ProjectsService) BatchDelete(ctx context.Context, ids []uint) (*types.BatchResult, error) {
	return batch(ctx, s.gateway, http.MethodDelete, batchPath(constants.ProjectsPath), types.IDsRequest{IDs: ids})
}

// UpdateEncryption switches project id to scheme. The backend generates a
// new key, which is returned with the scheme.
func (s *ProjectsService) UpdateEncryption(ctx context.Context, id uint, scheme string) (*types.ProjectEncryption, error) {
	if scheme == "" {
		return nil, errors.New("encryption scheme is required")
	}
	var enc types.ProjectEncryption
	req := &Request{
		Method: http.MethodPost,
		Path:   idPath(constants.ProjectsPath, id) + "/encryption",
		Body:   types.EncryptionRequest{EncryptionScheme: scheme},
	}
	if err := s.gateway.Do(ctx, req, &enc); err != nil {
		return nil, err
	}
	return &enc, nil
}

// ListEncryptionSchemes returns the schemes the backend supports. The
// catalogue is public, so no session is needed.
func (s *ProjectsService) ListEncryptionSchemes(ctx context.Context) ([]types.EncryptionScheme, error) {
	var schemes []types.EncryptionScheme
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodGet, Path: constants.CryptoSchemesPath, Anonymous: true}, &schemes); err != nil {
		return nil, err
	}
	return schemes, nil
}

// CardsService manages license cards.
type CardsService struct {
	gateway *Gateway
}

// List returns one page of cards matching opts.
func (s *CardsService) List(ctx context.Context, opts types.CardListOptions) (*types.Page[types.Card], error) {
	var page types.Page[types.Card]
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodGet, Path: constants.CardsPath, Query: opts.Values()}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Get returns card id.
func (s *CardsService) Get(ctx context.Context, id uint) (*types.Card, error) {
	var card types.Card
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodGet, Path: idPath(constants.CardsPath, id)}, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// Create generates cards.
func (s *CardsService) Create(ctx context.Context, req *types.CreateCardsRequest) ([]types.Card, error) {
	var cards []types.Card
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodPost, Path: constants.CardsPath, Body: req}, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// Update patches card id.
func (s *CardsService) Update(ctx context.Context, id uint, req *types.UpdateCardRequest) (*types.Card, error) {
	var card types.Card
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodPut, Path: idPath(constants.CardsPath, id), Body: req}, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// Delete removes card id.
func (s *CardsService) Delete(ctx context.Context, id uint) error {
	return s.gateway.Do(ctx, &Request{Method: http.MethodDelete, Path: idPath(constants.CardsPath, id)}, nil)
}

// Freeze suspends card id.
func (s *CardsService) Freeze(ctx context.Context, id uint) error {
	return s.gateway.Do(ctx, &Request{Method: http.MethodPut, Path: idPath(constants.CardsPath, id) + "/freeze"}, nil)
}

// Unfreeze lifts the suspension of card id.
func (s *CardsService) Unfreeze(ctx context.Context, id uint) error {
	return s.gateway.Do(ctx, &Request{Method: http.MethodPut, Path: idPath(constants.CardsPath, id) + "/unfreeze"}, nil)
}

// BatchUpdate applies one patch to several cards.
func (s *CardsService) BatchUpdate(ctx context.Context, req *types.BatchUpdateCardsRequest) (*types.BatchResult, error) {
	return batch(ctx, s.gateway, http.MethodPut, batchPath(constants.CardsPath), req)
}

// BatchDelete removes several cards.
func (s *CardsService) BatchDelete(ctx context.Context, ids []uint) (*types.BatchResult, error) {
	return batch(ctx, s.gateway, http.MethodDelete, batchPath(constants.CardsPath), types.IDsRequest{IDs: ids})
}

// BatchFreeze suspends several cards.
func (s *CardsService) BatchFreeze(ctx context.Context, ids []uint) (*types.BatchResult, error) {
	return batch(ctx, s.gateway, http.MethodPut, batchPath(constants.CardsPath)+"/freeze", types.IDsRequest{IDs: ids})
}

// BatchUnfreeze lifts the suspension of several cards.
func (s *CardsService) BatchUnfreeze(ctx context.Context, ids []uint) (*types.BatchResult, error) {
	return batch(ctx, s.gateway, http.MethodPut, batchPath(constants.CardsPath)+"/unfreeze", types.IDsRequest{IDs: ids})
}

// CloudVarsService manages project cloud variables.
type CloudVarsService struct {
	gateway *Gateway
}

// List returns one page of the variables of a project; projectID 0 lists
// every project's variables.
func (s *CloudVarsService) List(ctx context.Context, projectID uint, opts types.ListOptions) (*types.Page[types.CloudVar], error) {
	query := opts.Values()
	if projectID > 0 {
		query.Set("project_id", strconv.FormatUint(uint64(projectID), 10))
	}
	var page types.Page[types.CloudVar]
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodGet, Path: constants.CloudVarsPath, Query: query}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Set creates or overwrites a variable.
func (s *CloudVarsService) Set(ctx context.Context, req *types.CloudVarRequest) (*types.CloudVar, error) {
	var v types.CloudVar
	if err := s.gateway.Do(ctx, &Request{Method: http.MethodPost, Path: constants.CloudVarsPath, Body: req}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Delete removes variable id.
func (s *CloudVarsService) Delete(ctx context.Context, id uint) error {
	return s.gateway.Do(ctx, &Request{Method: http.MethodDelete, Path: idPath(constants.CloudVarsPath, id)}, nil)
}

// BatchSet sets several variables of one project.
func (s *CloudVarsService) BatchSet(ctx context.Context, req *types.BatchCloudVarsRequest) (*types.BatchResult, error) {
	return batch(ctx, s.gateway, http.MethodPost, batchPath(constants.CloudVarsPath), req)
}

// BatchDelete removes several variables.
func (s *CloudVarsService) BatchDelete(ctx context.Context, ids []uint) (*types.BatchResult, error) {
	return batch(ctx, s.gateway, http.MethodDelete, batchPath(constants.CloudVarsPath), types.IDsRequest{IDs: ids})
}

func batch(ctx context.Context, g *Gateway, method, path string, body any) (*types.BatchResult, error) {
	var result types.BatchResult
	if err := g.Do(ctx, &Request{Method: method, Path: path, Body: body}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func idPath(base string, id uint) string {
	return fmt.Sprintf("%s/%d", base, id)
}

func itemPath(base, key string) string {
	return base + "/" + url.PathEscape(key)
}

func batchPath(base string) string {
	return base + "/batch"
}

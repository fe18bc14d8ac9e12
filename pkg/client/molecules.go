package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Molecule is the wire representation of a stored molecule.
type Molecule struct {
	ID               string                     `json:"id"`
	SMILES           string                     `json:"smiles"`
	ContentHash      string                     `json:"content_hash"`
	MolecularFormula string                     `json:"molecular_formula"`
	MolecularWeight  float64                    `json:"molecular_weight"`
	Names            []string                   `json:"names,omitempty"`
	State            string                     `json:"state"`
	Flags            map[string]map[string]Flag `json:"flags,omitempty"`
	Libraries        []string                   `json:"libraries,omitempty"`
	Properties       map[string][]PropertyValue `json:"properties,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

// Flag is one user's annotation on a molecule, keyed in Molecule.Flags by
// flag name and then by the user who set it.
type Flag struct {
	Value bool      `json:"value"`
	Note  string    `json:"note,omitempty"`
	SetBy string    `json:"set_by,omitempty"`
	SetAt time.Time `json:"set_at"`
}

// PropertyValue is one stored value of a named property.
type PropertyValue struct {
	Property   string    `json:"property"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Source     string    `json:"source"`
	SourceName string    `json:"source_name,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Observation is one (name, source) sighting of a molecule.
type Observation struct {
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// RegisterRequest registers a structure by raw SMILES.
type RegisterRequest struct {
	SMILES string `json:"smiles"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

// RegisterResult reports the stored molecule and whether this call created it.
type RegisterResult struct {
	Molecule *Molecule `json:"molecule"`
	Created  bool      `json:"created"`
}

// MoleculeDetail is the single-molecule read shape.
type MoleculeDetail struct {
	Molecule     *Molecule                `json:"molecule"`
	Observations map[string][]Observation `json:"observations"`
}

// ListMoleculesQuery carries the listing filter.  Zero values mean no
// constraint.
type ListMoleculesQuery struct {
	States         []string
	LibraryID      string
	Flag           string
	NameContains   string
	MinWeight      float64
	MaxWeight      float64
	Property       string
	PropertyMin    *float64
	PropertyMax    *float64
	PropertySource string
	Substructure   string
	Page           PageQuery
}

// SimilarityQuery asks for molecules similar to a query structure.
type SimilarityQuery struct {
	SMILES    string  `json:"smiles"`
	Threshold float64 `json:"threshold"`
	Metric    string  `json:"metric,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

// SimilarityHit is one scored similarity result.
type SimilarityHit struct {
	Molecule *Molecule `json:"molecule"`
	Score    float64   `json:"score"`
	Class    string    `json:"class"`
}

// AuditEntry is one immutable journal record.
type AuditEntry struct {
	ID          string                 `json:"id"`
	ContentHash string                 `json:"content_hash"`
	Action      string                 `json:"action"`
	Actor       string                 `json:"actor,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	RecordedAt  time.Time              `json:"recorded_at"`
}

// MoleculesClient accesses the molecule surface.
type MoleculesClient struct {
	client *Client
}

// Register canonicalizes and stores a structure.  Re-registration returns the
// existing record with Created false.
func (mc *MoleculesClient) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	var result RegisterResult
	if err := mc.client.post(ctx, "/api/v1/molecules", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Get fetches one molecule by content hash or internal ID.
func (mc *MoleculesClient) Get(ctx context.Context, key string) (*MoleculeDetail, error) {
	var detail MoleculeDetail
	if err := mc.client.get(ctx, "/api/v1/molecules/"+url.PathEscape(key), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns a filtered molecule page.
func (mc *MoleculesClient) List(ctx context.Context, q ListMoleculesQuery) (*Page[*Molecule], error) {
	var page Page[*Molecule]
	if err := mc.client.get(ctx, "/api/v1/molecules"+q.encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// RecordProperty stores one property value.
func (mc *MoleculesClient) RecordProperty(ctx context.Context, contentHash string, pv PropertyValue) error {
	return mc.client.post(ctx, "/api/v1/molecules/"+url.PathEscape(contentHash)+"/properties", pv, nil)
}

// SetFlag sets or clears a named annotation.  note may be empty.
func (mc *MoleculesClient) SetFlag(ctx context.Context, contentHash, flag string, value bool, note string) error {
	path := fmt.Sprintf("/api/v1/molecules/%s/flags/%s", url.PathEscape(contentHash), url.PathEscape(flag))
	body := map[string]interface{}{"value": value}
	if note != "" {
		body["note"] = note
	}
	return mc.client.put(ctx, path, body, nil)
}

// AddToLibrary records library membership.
func (mc *MoleculesClient) AddToLibrary(ctx context.Context, contentHash, libraryID string) error {
	return mc.client.post(ctx, "/api/v1/molecules/"+url.PathEscape(contentHash)+"/libraries",
		map[string]string{"library_id": libraryID}, nil)
}

// RemoveFromLibrary drops library membership.
func (mc *MoleculesClient) RemoveFromLibrary(ctx context.Context, contentHash, libraryID string) error {
	path := fmt.Sprintf("/api/v1/molecules/%s/libraries/%s", url.PathEscape(contentHash), url.PathEscape(libraryID))
	return mc.client.delete(ctx, path)
}

// Audit returns the molecule's journal, oldest first.
func (mc *MoleculesClient) Audit(ctx context.Context, contentHash string, page PageQuery) (*Page[AuditEntry], error) {
	var result Page[AuditEntry]
	path := "/api/v1/molecules/" + url.PathEscape(contentHash) + "/audit" + page.encode()
	if err := mc.client.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SearchSimilarity returns molecules similar to the query structure, best
// match first.
func (mc *MoleculesClient) SearchSimilarity(ctx context.Context, q SimilarityQuery) ([]SimilarityHit, error) {
	var resp struct {
		Hits []SimilarityHit `json:"hits"`
	}
	if err := mc.client.post(ctx, "/api/v1/search/similarity", q, &resp); err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

// SearchSubstructure returns molecules containing the pattern.
func (mc *MoleculesClient) SearchSubstructure(ctx context.Context, pattern string, page PageQuery) (*Page[*Molecule], error) {
	var result Page[*Molecule]
	body := map[string]interface{}{"pattern": pattern}
	if page.Cursor != "" {
		body["cursor"] = page.Cursor
	}
	if page.Limit > 0 {
		body["limit"] = page.Limit
	}
	if err := mc.client.post(ctx, "/api/v1/search/substructure", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (q ListMoleculesQuery) encode() string {
	v := url.Values{}
	if len(q.States) > 0 {
		v.Set("states", strings.Join(q.States, ","))
	}
	if q.LibraryID != "" {
		v.Set("library_id", q.LibraryID)
	}
	if q.Flag != "" {
		v.Set("flag", q.Flag)
	}
	if q.NameContains != "" {
		v.Set("name_contains", q.NameContains)
	}
	if q.MinWeight > 0 {
		v.Set("min_weight", strconv.FormatFloat(q.MinWeight, 'g', -1, 64))
	}
	if q.MaxWeight > 0 {
		v.Set("max_weight", strconv.FormatFloat(q.MaxWeight, 'g', -1, 64))
	}
	if q.Property != "" {
		v.Set("property", q.Property)
	}
	if q.PropertyMin != nil {
		v.Set("property_min", strconv.FormatFloat(*q.PropertyMin, 'g', -1, 64))
	}
	if q.PropertyMax != nil {
		v.Set("property_max", strconv.FormatFloat(*q.PropertyMax, 'g', -1, 64))
	}
	if q.PropertySource != "" {
		v.Set("property_source", q.PropertySource)
	}
	if q.Substructure != "" {
		v.Set("substructure", q.Substructure)
	}
	if q.Page.Cursor != "" {
		v.Set("cursor", q.Page.Cursor)
	}
	if q.Page.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Page.Limit))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/internal/application/query"
	"github.com/molforge/molforge/internal/auth"
	dommol "github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

// QueryService is the read surface the query handler exposes.
type QueryService interface {
	List(ctx context.Context, actor auth.Actor, f query.Filter, page common.CursorPage) (*common.PageResult[*dommol.Molecule], error)
	Get(ctx context.Context, actor auth.Actor, key string) (*query.MoleculeDetail, error)
	SubstructureSearch(ctx context.Context, actor auth.Actor, pattern string, page common.CursorPage) (*common.PageResult[*dommol.Molecule], error)
	SimilaritySearch(ctx context.Context, actor auth.Actor, req query.SimilarityRequest) ([]query.SimilarityHit, error)
}

// QueryHandler serves molecule reads and structure searches.
type QueryHandler struct {
	queries QueryService
}

func NewQueryHandler(queries QueryService) *QueryHandler {
	return &QueryHandler{queries: queries}
}

// MoleculeDetailResponse is the single-molecule read shape: the record plus
// its observations grouped by source.
type MoleculeDetailResponse struct {
	Molecule     *moltypes.MoleculeDTO           `json:"molecule"`
	Observations map[string][]dommol.Observation `json:"observations"`
}

// SimilarityHitResponse is one scored similarity result.
type SimilarityHitResponse struct {
	Molecule *moltypes.MoleculeDTO `json:"molecule"`
	Score    float64               `json:"score"`
	Class    string                `json:"class"`
}

// List returns a filtered molecule page.  All filter clauses arrive as query
// parameters; validation failures come back as QRY_002 / QRY_004.
func (h *QueryHandler) List(c *gin.Context) {
	page, ok := pageFrom(c)
	if !ok {
		return
	}
	filter, ok := filterFrom(c)
	if !ok {
		return
	}

	result, err := h.queries.List(c.Request.Context(), actorFrom(c), filter, page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDTOPage(result))
}

// Get returns one molecule by content hash or internal ID.
func (h *QueryHandler) Get(c *gin.Context) {
	detail, err := h.queries.Get(c.Request.Context(), actorFrom(c), c.Param("hash"))
	if err != nil {
		respondError(c, err)
		return
	}
	dto := detail.Molecule.ToDTO()
	c.JSON(http.StatusOK, MoleculeDetailResponse{
		Molecule:     &dto,
		Observations: detail.ObservationsBySource,
	})
}

type substructureRequest struct {
	Pattern string `json:"pattern"`
	Cursor  string `json:"cursor,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Substructure returns molecules containing the given pattern.
func (h *QueryHandler) Substructure(c *gin.Context) {
	var in substructureRequest
	if !bindJSON(c, &in) {
		return
	}

	page := common.CursorPage{Cursor: in.Cursor, Limit: in.Limit}
	result, err := h.queries.SubstructureSearch(c.Request.Context(), actorFrom(c), in.Pattern, page)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDTOPage(result))
}

type similarityRequest struct {
	SMILES    string  `json:"smiles"`
	Threshold float64 `json:"threshold"`
	Metric    string  `json:"metric,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

// Similarity returns molecules structurally similar to the query structure,
// best match first.
func (h *QueryHandler) Similarity(c *gin.Context) {
	var in similarityRequest
	if !bindJSON(c, &in) {
		return
	}

	hits, err := h.queries.SimilaritySearch(c.Request.Context(), actorFrom(c), query.SimilarityRequest{
		SMILES:    in.SMILES,
		Threshold: in.Threshold,
		Metric:    in.Metric,
		Limit:     in.Limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]SimilarityHitResponse, 0, len(hits))
	for _, hit := range hits {
		dto := hit.Molecule.ToDTO()
		out = append(out, SimilarityHitResponse{Molecule: &dto, Score: hit.Score, Class: hit.Class})
	}
	c.JSON(http.StatusOK, gin.H{"hits": out})
}

// filterFrom assembles the listing filter from query parameters.  Range
// bounds must parse as numbers; semantic validation happens in the service.
func filterFrom(c *gin.Context) (query.Filter, bool) {
	if _, ok := c.GetQuery("as_of"); ok {
		// Listings page by keyset cursor, which already holds each page stable
		// against concurrent writes; sequence snapshots are not offered.
		respondError(c, errors.New(errors.ErrCodeFilterInvalid,
			"as_of snapshot reads are not supported; resume from the page cursor instead").
			WithDetail("field=as_of"))
		return query.Filter{}, false
	}
	f := query.Filter{
		LibraryID:      c.Query("library_id"),
		Flag:           c.Query("flag"),
		NameContains:   c.Query("name_contains"),
		Property:       c.Query("property"),
		PropertySource: c.Query("property_source"),
		Substructure:   c.Query("substructure"),
	}
	if raw := c.Query("states"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.States = append(f.States, s)
			}
		}
	}

	var parseErr error
	number := func(name string) float64 {
		raw := c.Query(name)
		if raw == "" || parseErr != nil {
			return 0
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			parseErr = errors.New(errors.ErrCodeFilterInvalid, "filter bound must be numeric").
				WithDetail(name + "=" + raw)
		}
		return v
	}
	f.MinWeight = number("min_weight")
	f.MaxWeight = number("max_weight")
	if parseErr != nil {
		respondError(c, parseErr)
		return query.Filter{}, false
	}

	for name, dst := range map[string]**float64{"property_min": &f.PropertyMin, "property_max": &f.PropertyMax} {
		v, err := parseFloatQuery(c, name)
		if err != nil {
			respondError(c, errors.Wrap(err, errors.ErrCodeFilterInvalid, "filter bound must be numeric"))
			return query.Filter{}, false
		}
		*dst = v
	}
	return f, true
}

func toDTOPage(in *common.PageResult[*dommol.Molecule]) *common.PageResult[*moltypes.MoleculeDTO] {
	out := &common.PageResult[*moltypes.MoleculeDTO]{
		Items:      make([]*moltypes.MoleculeDTO, 0, len(in.Items)),
		NextCursor: in.NextCursor,
		Total:      in.Total,
	}
	for _, mol := range in.Items {
		dto := mol.ToDTO()
		out.Items = append(out.Items, &dto)
	}
	return out
}

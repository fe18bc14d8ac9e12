package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

const moleculeColumns = `id, content_hash, smiles, formula, weight, descriptors, state,
	observations, properties, flags, libraries, fingerprints,
	created_at, updated_at, version`

// MoleculeRepository is the PostgreSQL implementation of molecule.Repository.
// Nested collections live in JSONB columns; library membership is a TEXT[]
// column so filters stay a single-table scan.
type MoleculeRepository struct {
	db     queryExecutor
	logger logging.Logger
}

// NewMoleculeRepository constructs a ready-to-use MoleculeRepository.
func NewMoleculeRepository(conn *postgres.Connection, log logging.Logger) *MoleculeRepository {
	return &MoleculeRepository{db: conn.DB(), logger: log.Named("molecule_repo")}
}

// Upsert creates the molecule unless a row with its content hash already
// exists.  ON CONFLICT DO NOTHING makes concurrent registration of the same
// structure safe: exactly one caller wins the insert, everyone else reads the
// winner's row.
func (r *MoleculeRepository) Upsert(ctx context.Context, mol *molecule.Molecule) (*molecule.Molecule, bool, error) {
	if err := mol.Validate(); err != nil {
		return nil, false, err
	}

	args, err := moleculeArgs(mol)
	if err != nil {
		return nil, false, err
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO molecules (`+moleculeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING `+moleculeColumns,
		args...,
	)

	created, err := scanMolecule(row)
	switch {
	case err == nil:
		r.logger.Debug("molecule created", logging.ContentHash(created.ContentHash))
		return created, true, nil
	case stderrors.Is(err, sql.ErrNoRows):
		existing, err := r.FindByContentHash(ctx, mol.ContentHash)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	default:
		return nil, false, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to upsert molecule")
	}
}

// Save persists changes to an existing molecule with optimistic locking on
// Version.
func (r *MoleculeRepository) Save(ctx context.Context, mol *molecule.Molecule) error {
	if err := mol.Validate(); err != nil {
		return err
	}

	descJSON, obsJSON, propsJSON, flagsJSON, fpJSON, err := marshalMoleculeJSON(mol)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE molecules SET
			smiles = $1, formula = $2, weight = $3, descriptors = $4, state = $5,
			observations = $6, properties = $7, flags = $8, libraries = $9,
			fingerprints = $10, updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		mol.SMILES, mol.Formula, mol.Weight, descJSON, string(mol.State),
		obsJSON, propsJSON, flagsJSON, pq.Array(idsToStrings(mol.Libraries)),
		fpJSON, time.Now().UTC(), string(mol.ID), mol.Version,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to update molecule")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read update result")
	}
	if affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM molecules WHERE id = $1)`, string(mol.ID),
		).Scan(&exists); err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to check molecule existence")
		}
		if !exists {
			return errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found").
				WithDetail(fmt.Sprintf("id=%s", mol.ID))
		}
		return errors.New(errors.ErrCodeIdentityVersionConflict, "molecule was modified concurrently").
			WithDetail(fmt.Sprintf("id=%s version=%d", mol.ID, mol.Version))
	}

	mol.Version++
	return r.syncObservations(ctx, mol)
}

// syncObservations mirrors the molecule's property values into the flattened
// property_observations table, one row per (property, source) slot.  Slots
// only accumulate or supersede, so rows are upserted, never deleted.
func (r *MoleculeRepository) syncObservations(ctx context.Context, mol *molecule.Molecule) error {
	if len(mol.Properties) == 0 {
		return nil
	}
	for _, values := range mol.Properties {
		for _, pv := range values {
			_, err := r.db.ExecContext(ctx, `
				INSERT INTO property_observations (content_hash, name, source, value, unit, observed_at)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (content_hash, name, source) DO UPDATE
				SET value = EXCLUDED.value, unit = EXCLUDED.unit, observed_at = EXCLUDED.observed_at`,
				mol.ContentHash, pv.Property, string(pv.Source), pv.Value, pv.Unit, pv.ObservedAt,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to sync property observation")
			}
		}
	}
	return nil
}

// FindByID retrieves a molecule by its surrogate ID.
func (r *MoleculeRepository) FindByID(ctx context.Context, id common.ID) (*molecule.Molecule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+moleculeColumns+` FROM molecules WHERE id = $1`, string(id))

	mol, err := scanMolecule(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found").
			WithDetail(fmt.Sprintf("id=%s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query molecule")
	}
	return mol, nil
}

// FindByContentHash retrieves a molecule by its structure-derived key.
func (r *MoleculeRepository) FindByContentHash(ctx context.Context, contentHash string) (*molecule.Molecule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+moleculeColumns+` FROM molecules WHERE content_hash = $1`, contentHash)

	mol, err := scanMolecule(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found").
			WithDetail(fmt.Sprintf("content_hash=%s", contentHash))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query molecule")
	}
	return mol, nil
}

// UpdateState performs a compare-and-swap lifecycle transition: the row moves
// from one state to another only if it is still in the expected state.
func (r *MoleculeRepository) UpdateState(ctx context.Context, contentHash string, from, to moltypes.MoleculeState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE molecules
		SET state = $1, updated_at = $2, version = version + 1
		WHERE content_hash = $3 AND state = $4`,
		string(to), time.Now().UTC(), contentHash, string(from),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to update molecule state")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read update result")
	}
	if affected == 0 {
		var current string
		err := r.db.QueryRowContext(ctx,
			`SELECT state FROM molecules WHERE content_hash = $1`, contentHash,
		).Scan(&current)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.New(errors.ErrCodeMoleculeNotFound, "molecule not found").
				WithDetail(fmt.Sprintf("content_hash=%s", contentHash))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query molecule state")
		}
		return errors.New(errors.ErrCodeStateTransitionInvalid, "molecule is not in the expected state").
			WithDetail(fmt.Sprintf("content_hash=%s expected=%s current=%s", contentHash, from, current))
	}

	r.logger.Debug("molecule state updated",
		logging.ContentHash(contentHash),
		logging.String("from", string(from)),
		logging.String("to", string(to)),
	)
	return nil
}

// List returns one page of molecules matching the filter, ordered by
// (created_at, content_hash).
func (r *MoleculeRepository) List(ctx context.Context, filter molecule.Filter, page common.CursorPage) (*common.PageResult[*molecule.Molecule], error) {
	page = page.Normalize()

	var b condBuilder
	if err := filterConds(&b, filter); err != nil {
		return nil, err
	}
	if page.Cursor != "" {
		ts, key, err := decodeCursor(page.Cursor)
		if err != nil {
			return nil, err
		}
		b.add("(created_at, content_hash) > (%s, %s)", ts, key)
	}

	query := `SELECT ` + moleculeColumns + ` FROM molecules` + b.where() +
		` ORDER BY created_at, content_hash LIMIT ` + b.nextArg(page.Limit+1)

	rows, err := r.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list molecules")
	}
	defer rows.Close()

	mols, err := scanMolecules(rows)
	if err != nil {
		return nil, err
	}

	result := &common.PageResult[*molecule.Molecule]{Items: mols}
	if len(mols) > page.Limit {
		result.Items = mols[:page.Limit]
		last := result.Items[len(result.Items)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ContentHash)
	}
	return result, nil
}

// FindByStates returns up to limit molecules in any of the given states,
// oldest first.
func (r *MoleculeRepository) FindByStates(ctx context.Context, states []moltypes.MoleculeState, limit int) ([]*molecule.Molecule, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = common.DefaultPageLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+moleculeColumns+` FROM molecules
		WHERE state = ANY($1)
		ORDER BY created_at, content_hash
		LIMIT $2`,
		pq.Array(statesToStrings(states)), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query molecules by state")
	}
	defer rows.Close()

	return scanMolecules(rows)
}

// Count returns the number of molecules matching the filter.
func (r *MoleculeRepository) Count(ctx context.Context, filter molecule.Filter) (int64, error) {
	var b condBuilder
	if err := filterConds(&b, filter); err != nil {
		return 0, err
	}

	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM molecules`+b.where(), b.args...).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to count molecules")
	}
	return count, nil
}

// filterConds translates a domain filter into WHERE clauses.
func filterConds(b *condBuilder, f molecule.Filter) error {
	if len(f.States) > 0 {
		for _, s := range f.States {
			if !s.IsValid() {
				return errors.New(errors.ErrCodeFilterInvalid, "unknown lifecycle state in filter").
					WithDetail(fmt.Sprintf("state=%s", s))
			}
		}
		b.add("state = ANY(%s)", pq.Array(statesToStrings(f.States)))
	}
	if f.LibraryID != "" {
		b.add("%s = ANY(libraries)", string(f.LibraryID))
	}
	if f.Flag != "" {
		// flags -> name is a per-user object; the clause holds when any user
		// has the mark set.
		b.add(`EXISTS (
			SELECT 1 FROM jsonb_each(flags -> %s) fl
			WHERE (fl.value ->> 'value')::boolean)`, f.Flag)
	}
	if f.NameContains != "" {
		b.add(`EXISTS (
			SELECT 1 FROM jsonb_array_elements(observations) obs
			WHERE obs ->> 'name' ILIKE '%%' || %s || '%%')`, f.NameContains)
	}
	if f.MinWeight > 0 {
		b.add("weight >= %s", f.MinWeight)
	}
	if f.MaxWeight > 0 {
		b.add("weight <= %s", f.MaxWeight)
	}
	if f.HasProperty != "" {
		if f.PropertyMin != nil || f.PropertyMax != nil || f.PropertySource != "" {
			propertyObservationConds(b, f)
		} else {
			b.add("jsonb_exists(properties, %s)", f.HasProperty)
		}
	} else if f.PropertyMin != nil || f.PropertyMax != nil || f.PropertySource != "" {
		return errors.New(errors.ErrCodeFilterInvalid, "property bounds require a property name")
	}
	return nil
}

// propertyObservationConds emits an EXISTS over the flattened observation
// table, which carries a (name, value) index; the JSONB column would force a
// per-row unpack.
func propertyObservationConds(b *condBuilder, f molecule.Filter) {
	sub := "SELECT 1 FROM property_observations po WHERE po.content_hash = molecules.content_hash AND po.name = %s"
	args := []interface{}{f.HasProperty}
	if f.PropertySource != "" {
		sub += " AND po.source = %s"
		args = append(args, string(f.PropertySource))
	}
	if f.PropertyMin != nil {
		sub += " AND po.value >= %s"
		args = append(args, *f.PropertyMin)
	}
	if f.PropertyMax != nil {
		sub += " AND po.value <= %s"
		args = append(args, *f.PropertyMax)
	}
	b.add("EXISTS ("+sub+")", args...)
}

func moleculeArgs(mol *molecule.Molecule) ([]interface{}, error) {
	descJSON, obsJSON, propsJSON, flagsJSON, fpJSON, err := marshalMoleculeJSON(mol)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		string(mol.ID), mol.ContentHash, mol.SMILES, mol.Formula, mol.Weight,
		descJSON, string(mol.State), obsJSON, propsJSON, flagsJSON,
		pq.Array(idsToStrings(mol.Libraries)), fpJSON,
		mol.CreatedAt, mol.UpdatedAt, mol.Version,
	}, nil
}

func marshalMoleculeJSON(mol *molecule.Molecule) (desc, obs, props, flags, fps []byte, err error) {
	if desc, err = json.Marshal(mol.Descriptors); err == nil {
		if obs, err = json.Marshal(mol.Observations); err == nil {
			if props, err = json.Marshal(mol.Properties); err == nil {
				if flags, err = json.Marshal(mol.Flags); err == nil {
					fps, err = json.Marshal(mol.Fingerprints)
				}
			}
		}
	}
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to serialize molecule")
	}
	return desc, obs, props, flags, fps, nil
}

func scanMolecule(s scanner) (*molecule.Molecule, error) {
	var (
		mol       molecule.Molecule
		id, state string
		descJSON  []byte
		obsJSON   []byte
		propsJSON []byte
		flagsJSON []byte
		fpJSON    []byte
		libs      []string
	)

	err := s.Scan(
		&id, &mol.ContentHash, &mol.SMILES, &mol.Formula, &mol.Weight,
		&descJSON, &state, &obsJSON, &propsJSON, &flagsJSON,
		pq.Array(&libs), &fpJSON,
		&mol.CreatedAt, &mol.UpdatedAt, &mol.Version,
	)
	if err != nil {
		return nil, err
	}

	mol.ID = common.ID(id)
	mol.State = moltypes.MoleculeState(state)
	mol.Libraries = stringsToIDs(libs)

	if err := json.Unmarshal(descJSON, &mol.Descriptors); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode molecule descriptors")
	}
	if len(obsJSON) > 0 {
		if err := json.Unmarshal(obsJSON, &mol.Observations); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode molecule observations")
		}
	}
	if len(propsJSON) > 0 {
		if err := json.Unmarshal(propsJSON, &mol.Properties); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode molecule properties")
		}
	}
	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &mol.Flags); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode molecule flags")
		}
	}
	if len(fpJSON) > 0 {
		if err := json.Unmarshal(fpJSON, &mol.Fingerprints); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode molecule fingerprints")
		}
	}

	return &mol, nil
}

func scanMolecules(rows *sql.Rows) ([]*molecule.Molecule, error) {
	var mols []*molecule.Molecule
	for rows.Next() {
		mol, err := scanMolecule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan molecule row")
		}
		mols = append(mols, mol)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate molecule rows")
	}
	return mols, nil
}

func idsToStrings(ids []common.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func stringsToIDs(ss []string) []common.ID {
	if len(ss) == 0 {
		return nil
	}
	out := make([]common.ID, len(ss))
	for i, s := range ss {
		out[i] = common.ID(s)
	}
	return out
}

func statesToStrings(states []moltypes.MoleculeState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// compile-time interface check
var _ molecule.Repository = (*MoleculeRepository)(nil)

package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/molforge/molforge/internal/chem"
	"github.com/molforge/molforge/internal/domain/molecule"
	"github.com/molforge/molforge/internal/infrastructure/database/postgres"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/errors"
	moltypes "github.com/molforge/molforge/pkg/types/molecule"
)

type MoleculeRepoTestSuite struct {
	suite.Suite
	db   *sql.DB
	mock sqlmock.Sqlmock
	repo *MoleculeRepository
}

func (s *MoleculeRepoTestSuite) SetupTest() {
	var err error
	s.db, s.mock, err = sqlmock.New()
	require.NoError(s.T(), err)

	conn := postgres.NewConnectionWithDB(s.db, logging.NewNopLogger())
	s.repo = NewMoleculeRepository(conn, logging.NewNopLogger())
}

func (s *MoleculeRepoTestSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
	s.db.Close()
}

func newTestMolecule(t *testing.T) *molecule.Molecule {
	t.Helper()
	form, err := chem.Canonicalize("CCO")
	require.NoError(t, err)
	desc, err := chem.ComputeDescriptors(form.SMILES)
	require.NoError(t, err)
	return molecule.New(form, desc)
}

func moleculeColumnsList() []string {
	return []string{
		"id", "content_hash", "smiles", "formula", "weight", "descriptors", "state",
		"observations", "properties", "flags", "libraries", "fingerprints",
		"created_at", "updated_at", "version",
	}
}

func moleculeRow(mol *molecule.Molecule) *sqlmock.Rows {
	descJSON, _ := json.Marshal(mol.Descriptors)
	obsJSON, _ := json.Marshal(mol.Observations)
	propsJSON, _ := json.Marshal(mol.Properties)
	flagsJSON, _ := json.Marshal(mol.Flags)
	fpJSON, _ := json.Marshal(mol.Fingerprints)

	return sqlmock.NewRows(moleculeColumnsList()).AddRow(
		string(mol.ID), mol.ContentHash, mol.SMILES, mol.Formula, mol.Weight,
		descJSON, string(mol.State), obsJSON, propsJSON, flagsJSON,
		[]byte("{}"), fpJSON, mol.CreatedAt, mol.UpdatedAt, mol.Version,
	)
}

func (s *MoleculeRepoTestSuite) TestUpsert_Created() {
	mol := newTestMolecule(s.T())

	s.mock.ExpectQuery("INSERT INTO molecules").
		WillReturnRows(moleculeRow(mol))

	got, created, err := s.repo.Upsert(context.Background(), mol)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(mol.ContentHash, got.ContentHash)
	s.Equal(moltypes.StateUploaded, got.State)
}

func (s *MoleculeRepoTestSuite) TestUpsert_ExistingRowWins() {
	mol := newTestMolecule(s.T())

	// ON CONFLICT DO NOTHING returns no row when the hash is taken.
	s.mock.ExpectQuery("INSERT INTO molecules").
		WillReturnRows(sqlmock.NewRows(moleculeColumnsList()))
	s.mock.ExpectQuery("FROM molecules WHERE content_hash").
		WithArgs(mol.ContentHash).
		WillReturnRows(moleculeRow(mol))

	got, created, err := s.repo.Upsert(context.Background(), mol)
	s.Require().NoError(err)
	s.False(created)
	s.Equal(mol.ContentHash, got.ContentHash)
}

func (s *MoleculeRepoTestSuite) TestSave_BumpsVersion() {
	mol := newTestMolecule(s.T())

	s.mock.ExpectExec("UPDATE molecules SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.Require().NoError(s.repo.Save(context.Background(), mol))
	s.Equal(2, mol.Version)
}

func (s *MoleculeRepoTestSuite) TestSave_VersionConflict() {
	mol := newTestMolecule(s.T())

	s.mock.ExpectExec("UPDATE molecules SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.repo.Save(context.Background(), mol)
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeIdentityVersionConflict))
}

func (s *MoleculeRepoTestSuite) TestSave_NotFound() {
	mol := newTestMolecule(s.T())

	s.mock.ExpectExec("UPDATE molecules SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.repo.Save(context.Background(), mol)
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeMoleculeNotFound))
}

func (s *MoleculeRepoTestSuite) TestUpdateState_Success() {
	mol := newTestMolecule(s.T())

	s.mock.ExpectExec("UPDATE molecules").
		WithArgs(string(moltypes.StateValidated), sqlmock.AnyArg(), mol.ContentHash, string(moltypes.StateUploaded)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.repo.UpdateState(context.Background(), mol.ContentHash,
		moltypes.StateUploaded, moltypes.StateValidated)
	s.NoError(err)
}

func (s *MoleculeRepoTestSuite) TestUpdateState_LostRace() {
	mol := newTestMolecule(s.T())

	s.mock.ExpectExec("UPDATE molecules").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectQuery("SELECT state FROM molecules").
		WithArgs(mol.ContentHash).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(string(moltypes.StateValidated)))

	err := s.repo.UpdateState(context.Background(), mol.ContentHash,
		moltypes.StateUploaded, moltypes.StateValidated)
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeStateTransitionInvalid))
}

func (s *MoleculeRepoTestSuite) TestUpdateState_NotFound() {
	s.mock.ExpectExec("UPDATE molecules").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectQuery("SELECT state FROM molecules").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	err := s.repo.UpdateState(context.Background(), "AAAAAAAAAAAAAA-BBBBBBBBBB-C",
		moltypes.StateUploaded, moltypes.StateValidated)
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeMoleculeNotFound))
}

func (s *MoleculeRepoTestSuite) TestFindByContentHash_NotFound() {
	s.mock.ExpectQuery("FROM molecules WHERE content_hash").
		WillReturnRows(sqlmock.NewRows(moleculeColumnsList()))

	_, err := s.repo.FindByContentHash(context.Background(), "AAAAAAAAAAAAAA-BBBBBBBBBB-C")
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeMoleculeNotFound))
}

func (s *MoleculeRepoTestSuite) TestList_NextCursorSet() {
	first := newTestMolecule(s.T())
	second := newTestMolecule(s.T())
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	rows := moleculeRow(first)
	descJSON, _ := json.Marshal(second.Descriptors)
	rows.AddRow(
		string(second.ID), second.ContentHash, second.SMILES, second.Formula, second.Weight,
		descJSON, string(second.State), []byte("[]"), []byte("{}"), []byte("{}"),
		[]byte("{}"), []byte("{}"), second.CreatedAt, second.UpdatedAt, second.Version,
	)

	s.mock.ExpectQuery("FROM molecules").WillReturnRows(rows)

	// Limit 1 with two rows back means another page exists.
	page, err := s.repo.List(context.Background(), molecule.Filter{},
		commonPage(1))
	s.Require().NoError(err)
	s.Len(page.Items, 1)
	s.NotEmpty(page.NextCursor)
}

func (s *MoleculeRepoTestSuite) TestList_FlagFilterScansPerUserMarks() {
	// flags -> name holds one entry per user, so the filter unpacks the
	// object and checks each entry's value key.
	s.mock.ExpectQuery(`jsonb_each\(flags -> \$\d+\)`).
		WillReturnRows(sqlmock.NewRows(moleculeColumnsList()))

	_, err := s.repo.List(context.Background(), molecule.Filter{Flag: "starred"},
		commonPage(10))
	s.Require().NoError(err)
}

func (s *MoleculeRepoTestSuite) TestList_PropertyRangeUsesObservationTable() {
	// A bounded property clause must hit the flattened observation table, not
	// the JSONB column.
	min, max := 1.0, 3.0
	s.mock.ExpectQuery(`EXISTS \(SELECT 1 FROM property_observations po WHERE po\.content_hash = molecules\.content_hash AND po\.name = \$1 AND po\.value >= \$2 AND po\.value <= \$3\)`).
		WithArgs("logP", min, max, 11).
		WillReturnRows(sqlmock.NewRows(moleculeColumnsList()))

	_, err := s.repo.List(context.Background(), molecule.Filter{
		HasProperty: "logP",
		PropertyMin: &min,
		PropertyMax: &max,
	}, commonPage(10))
	s.Require().NoError(err)
}

func (s *MoleculeRepoTestSuite) TestList_PropertySourceNarrowsObservations() {
	s.mock.ExpectQuery(`po\.name = \$1 AND po\.source = \$2`).
		WithArgs("logP", string(moltypes.SourcePredicted), 11).
		WillReturnRows(sqlmock.NewRows(moleculeColumnsList()))

	_, err := s.repo.List(context.Background(), molecule.Filter{
		HasProperty:    "logP",
		PropertySource: moltypes.SourcePredicted,
	}, commonPage(10))
	s.Require().NoError(err)
}

func (s *MoleculeRepoTestSuite) TestList_PropertyBoundsWithoutName() {
	min := 1.0
	_, err := s.repo.List(context.Background(), molecule.Filter{PropertyMin: &min},
		commonPage(10))
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeFilterInvalid))
}

func (s *MoleculeRepoTestSuite) TestSave_SyncsObservationRows() {
	mol := newTestMolecule(s.T())
	s.Require().NoError(mol.RecordProperty(molecule.PropertyValue{
		Property:   "logP",
		Value:      -0.3,
		Source:     moltypes.SourcePredicted,
		ObservedAt: time.Now().UTC(),
	}))
	mol.Events()

	s.mock.ExpectExec("UPDATE molecules SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec("INSERT INTO property_observations").
		WithArgs(mol.ContentHash, "logP", string(moltypes.SourcePredicted),
			-0.3, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.Require().NoError(s.repo.Save(context.Background(), mol))
}

func (s *MoleculeRepoTestSuite) TestList_RejectsBadCursor() {
	_, err := s.repo.List(context.Background(), molecule.Filter{},
		commonPageWithCursor("not-a-cursor", 10))
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeCursorInvalid))
}

func (s *MoleculeRepoTestSuite) TestCount_WithFilter() {
	s.mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	count, err := s.repo.Count(context.Background(), molecule.Filter{
		States:    []moltypes.MoleculeState{moltypes.StateValidated},
		MinWeight: 10,
	})
	s.Require().NoError(err)
	s.Equal(int64(42), count)
}

func TestMoleculeRepoTestSuite(t *testing.T) {
	suite.Run(t, new(MoleculeRepoTestSuite))
}

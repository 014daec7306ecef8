// Package schema declares the warehouse layout: the seven temporal tables,
// their staging companions, the control tables, and the auxiliary code
// tables, plus the embedded migrations that create them.
package schema

// Bookkeeping columns shared by every temporal table.
const (
	ColSnapshotDate     = "_snapshot_date"
	ColExtractNumber    = "_extract_number"
	ColIsCurrent        = "_is_current"
	ColDeletedAtExtract = "_deleted_at_extract"
)

// Operation is one side of a batch: applying deletes or applying inserts.
type Operation string

const (
	OpDelete Operation = "delete"
	OpInsert Operation = "insert"
)

// Table describes one temporal table and its CSV source layout.
type Table struct {
	// Name is the DB table name (plural).
	Name string
	// CSVName is the source table name (singular), as used in entry names
	// like denomination_insert.csv.
	CSVName string
	// NaturalKey is the DB column holding the natural key (the composite id
	// for child tables).
	NaturalKey string
	// DeleteKey is the DB column matched against the single-column delete
	// file. For composite-ID tables the source lists owning entity numbers,
	// not composite IDs.
	DeleteKey string
	// CSVColumns is the expected source header, in order.
	CSVColumns []string
	// Columns are the DB names for CSVColumns, same order.
	Columns []string
	// HasCompositeID marks tables whose id column is derived by the mapper.
	HasCompositeID bool
	// HasEntityType marks tables carrying the derived entity_type column.
	HasEntityType bool
}

// StagingName returns the staging companion table name.
func (t Table) StagingName() string {
	return "staging_" + t.Name
}

// StagingColumns returns the staging column list in COPY order: the job
// bookkeeping prefix, derived columns, then the source columns.
func (t Table) StagingColumns() []string {
	cols := []string{"job_id", "operation", "row_sequence"}
	if t.HasCompositeID {
		cols = append(cols, "id")
	}
	if t.HasEntityType {
		cols = append(cols, "entity_type")
	}
	return append(cols, t.Columns...)
}

// DataColumns returns the target-table columns fed from staging, in order:
// derived columns first, then the mapped source columns.
func (t Table) DataColumns() []string {
	var cols []string
	if t.HasCompositeID {
		cols = append(cols, "id")
	}
	if t.HasEntityType {
		cols = append(cols, "entity_type")
	}
	return append(cols, t.Columns...)
}

// Tables lists the seven temporal tables in processing order. Enterprises
// come first so child tables can assume their parents exist within one
// extract; the rest follows the source's dependency order.
var Tables = []Table{
	{
		Name:       "enterprises",
		CSVName:    "enterprise",
		NaturalKey: "enterprise_number",
		DeleteKey:  "enterprise_number",
		CSVColumns: []string{"EnterpriseNumber", "Status", "JuridicalSituation", "TypeOfEnterprise", "JuridicalForm", "JuridicalFormCAC", "StartDate"},
		Columns:    []string{"enterprise_number", "status", "juridical_situation", "type_of_enterprise", "juridical_form", "juridical_form_cac", "start_date"},
	},
	{
		Name:       "establishments",
		CSVName:    "establishment",
		NaturalKey: "establishment_number",
		DeleteKey:  "establishment_number",
		CSVColumns: []string{"EstablishmentNumber", "StartDate", "EnterpriseNumber"},
		Columns:    []string{"establishment_number", "start_date", "enterprise_number"},
	},
	{
		Name:           "denominations",
		CSVName:        "denomination",
		NaturalKey:     "id",
		DeleteKey:      "entity_number",
		CSVColumns:     []string{"EntityNumber", "Language", "TypeOfDenomination", "Denomination"},
		Columns:        []string{"entity_number", "language", "type_of_denomination", "denomination"},
		HasCompositeID: true,
		HasEntityType:  true,
	},
	{
		Name:           "addresses",
		CSVName:        "address",
		NaturalKey:     "id",
		DeleteKey:      "entity_number",
		CSVColumns:     []string{"EntityNumber", "TypeOfAddress", "CountryNL", "CountryFR", "Zipcode", "MunicipalityNL", "MunicipalityFR", "StreetNL", "StreetFR", "HouseNumber", "Box", "ExtraAddressInfo", "DateStrikingOff"},
		Columns:        []string{"entity_number", "type_of_address", "country_nl", "country_fr", "zipcode", "municipality_nl", "municipality_fr", "street_nl", "street_fr", "house_number", "box", "extra_address_info", "date_striking_off"},
		HasCompositeID: true,
		HasEntityType:  true,
	},
	{
		Name:           "activities",
		CSVName:        "activity",
		NaturalKey:     "id",
		DeleteKey:      "entity_number",
		CSVColumns:     []string{"EntityNumber", "ActivityGroup", "NaceVersion", "NaceCode", "Classification"},
		Columns:        []string{"entity_number", "activity_group", "nace_version", "nace_code", "classification"},
		HasCompositeID: true,
		HasEntityType:  true,
	},
	{
		Name:           "contacts",
		CSVName:        "contact",
		NaturalKey:     "id",
		DeleteKey:      "entity_number",
		CSVColumns:     []string{"EntityNumber", "EntityContact", "ContactType", "Value"},
		Columns:        []string{"entity_number", "entity_contact", "contact_type", "value"},
		HasCompositeID: true,
		HasEntityType:  true,
	},
	{
		Name:           "branches",
		CSVName:        "branch",
		NaturalKey:     "id",
		DeleteKey:      "enterprise_number",
		CSVColumns:     []string{"Id", "StartDate", "EnterpriseNumber"},
		Columns:        []string{"branch_number", "start_date", "enterprise_number"},
		HasCompositeID: true,
		HasEntityType:  true,
	},
}

// EnterpriseNameColumns are the denormalized display-name columns carried on
// the enterprises table and maintained by the primary-name resolver.
var EnterpriseNameColumns = []string{
	"primary_name",
	"primary_name_language",
	"primary_name_nl",
	"primary_name_fr",
	"primary_name_de",
}

// TableByName returns the temporal table with the given DB name.
func TableByName(name string) (Table, bool) {
	for _, t := range Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// TableByCSVName returns the temporal table with the given source name.
func TableByCSVName(csvName string) (Table, bool) {
	for _, t := range Tables {
		if t.CSVName == csvName {
			return t, true
		}
	}
	return Table{}, false
}

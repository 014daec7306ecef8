// Package mapper holds the pure, deterministic transforms between the
// registry's CSV layout and the warehouse schema: column and table name
// mapping, date normalization, entity-type derivation, and composite-ID
// construction. Nothing in this package performs I/O.
package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// EntityType classifies the owner of a child record by its registry number.
type EntityType string

const (
	EntityTypeEnterprise    EntityType = "enterprise"
	EntityTypeEstablishment EntityType = "establishment"
)

// columnNames is the canonical CSV-name to DB-name mapping. Unknown columns
// are rejected by callers, not silently dropped.
var columnNames = map[string]string{
	"EnterpriseNumber":    "enterprise_number",
	"EstablishmentNumber": "establishment_number",
	"EntityNumber":        "entity_number",
	"Status":              "status",
	"JuridicalSituation":  "juridical_situation",
	"TypeOfEnterprise":    "type_of_enterprise",
	"JuridicalForm":       "juridical_form",
	"JuridicalFormCAC":    "juridical_form_cac",
	"StartDate":           "start_date",
	"Language":            "language",
	"TypeOfDenomination":  "type_of_denomination",
	"Denomination":        "denomination",
	"TypeOfAddress":       "type_of_address",
	"CountryNL":           "country_nl",
	"CountryFR":           "country_fr",
	"Zipcode":             "zipcode",
	"MunicipalityNL":      "municipality_nl",
	"MunicipalityFR":      "municipality_fr",
	"StreetNL":            "street_nl",
	"StreetFR":            "street_fr",
	"HouseNumber":         "house_number",
	"Box":                 "box",
	"ExtraAddressInfo":    "extra_address_info",
	"DateStrikingOff":     "date_striking_off",
	"ActivityGroup":       "activity_group",
	"NaceVersion":         "nace_version",
	"NaceCode":            "nace_code",
	"Classification":      "classification",
	"EntityContact":       "entity_contact",
	"ContactType":         "contact_type",
	"Value":               "value",
	"Id":                  "branch_number",
	"Category":            "category",
	"Code":                "code",
	"Description":         "description",
}

// tableNames maps singular CSV table names to plural DB table names.
var tableNames = map[string]string{
	"enterprise":    "enterprises",
	"establishment": "establishments",
	"denomination":  "denominations",
	"address":       "addresses",
	"activity":      "activities",
	"contact":       "contacts",
	"branch":        "branches",
	"code":          "codes",
}

// ColumnName returns the DB column for a CSV header field.
func ColumnName(csvName string) (string, bool) {
	name, ok := columnNames[csvName]
	return name, ok
}

// TableName returns the DB table for a CSV table name.
func TableName(csvTable string) (string, bool) {
	name, ok := tableNames[csvTable]
	return name, ok
}

var sourceDateRe = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`)

// IsDateColumn reports whether a DB column carries a registry date.
func IsDateColumn(dbColumn string) bool {
	return strings.Contains(strings.ToLower(dbColumn), "date")
}

// ToISODate rewrites a DD-MM-YYYY registry date to YYYY-MM-DD. Values not
// matching the source format (including empty strings) pass through
// unchanged.
func ToISODate(value string) string {
	if !sourceDateRe.MatchString(value) {
		return value
	}
	return value[6:10] + "-" + value[3:5] + "-" + value[0:2]
}

// EntityTypeOf derives the owner type from a registry number: a single
// leading digit followed by a non-digit separator marks an establishment
// number (N.NNN.NNN.NNN); anything else is an enterprise number.
func EntityTypeOf(entityNumber string) EntityType {
	if len(entityNumber) >= 2 && isDigit(entityNumber[0]) && !isDigit(entityNumber[1]) {
		return EntityTypeEstablishment
	}
	return EntityTypeEnterprise
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// ShortHash returns the 8-hex-character prefix of the SHA-256 of s. Used to
// keep denomination IDs bounded regardless of the denomination text length.
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

// DenominationID builds the composite ID for a denomination row. The
// denomination text itself enters only through its short hash, so the ID
// stays bounded and safe to index.
func DenominationID(entityNumber, typeOfDenomination, language, denomination string) string {
	return fmt.Sprintf("%s_%s_%s_%s", entityNumber, typeOfDenomination, language, ShortHash(denomination))
}

// AddressID builds the composite ID for an address row.
func AddressID(entityNumber, typeOfAddress string) string {
	return fmt.Sprintf("%s_%s", entityNumber, typeOfAddress)
}

// ActivityID builds the composite ID for an activity row.
func ActivityID(entityNumber, activityGroup, naceVersion, naceCode, classification string) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s", entityNumber, activityGroup, naceVersion, naceCode, classification)
}

// ContactID builds the composite ID for a contact row. The value (phone,
// email, web address) is part of the identity: a changed value is a new
// logical record.
func ContactID(entityNumber, entityContact, contactType, value string) string {
	return fmt.Sprintf("%s_%s_%s_%s", entityNumber, entityContact, contactType, value)
}

// BranchID builds the composite ID for a branch row from the enterprise
// number and the source branch identifier.
func BranchID(enterpriseNumber, branchNumber string) string {
	return fmt.Sprintf("%s_%s", enterpriseNumber, branchNumber)
}

package mapping

import (
	"sort"
	"strings"

	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

// Data types carried on mapping entries.
const (
	TypeString     = "string"
	TypeNumber     = "number"
	TypeDate       = "date"
	TypeCode       = "code"
	TypeCategory   = "category"
	TypeIdentifier = "identifier"
	TypeText       = "text"
)

// Transformations the normalizer and de-identifier apply to a target.
const (
	TransformNone       = ""
	TransformPseudonym  = "pseudonymize"
	TransformAgeBucket  = "age_bucket"
	TransformZip3       = "zip3"
	TransformYear       = "year_only"
	TransformRemove     = "remove"
	TransformScrub      = "scrub_free_text"
	TransformUnit       = "standardize_unit"
	TransformCase       = "title_case"
	TransformBloodPress = "split_blood_pressure"
	TransformNumeric    = "numeric"
)

// Target is one canonical MDF field a source column can map to.
type Target struct {
	Name           string
	DataType       string
	Transformation string
	Synonyms       []string
	Pattern        Pattern
	// Multi targets may be claimed by more than one column.
	Multi bool
}

// Section is the MDF section prefix of the target name.
func (t Target) Section() string {
	if i := strings.IndexByte(t.Name, '.'); i >= 0 {
		return t.Name[:i]
	}
	return t.Name
}

// Field is the part after the section prefix.
func (t Target) Field() string {
	if i := strings.IndexByte(t.Name, '.'); i >= 0 {
		return t.Name[i+1:]
	}
	return t.Name
}

// Identity reports whether the target holds a Safe Harbor identifier.
func (t Target) Identity() bool {
	return t.Section() == SectionIdentity
}

const (
	SectionIdentity     = "identity"
	SectionDemographics = "demographics"
	SectionVitals       = "vitals"
	SectionLabs         = "lab_results"
	SectionObservation  = "observation"
	SectionMedications  = "medications"
	SectionDiagnoses    = "diagnoses"
	SectionProcedures   = "procedures"
	SectionRecord       = "record"
	SectionNotes        = "notes"
)

// Target names referenced by the normalizer.
const (
	IdentitySourceID    = "identity.source_id"
	IdentityName        = "identity.name"
	IdentityFirstName   = "identity.first_name"
	IdentityLastName    = "identity.last_name"
	IdentityBirthDate   = "identity.birth_date"
	IdentityContactName = "identity.contact_name"
	IdentityAge         = "identity.age"
	IdentityPostalCode  = "identity.postal_code"
	IdentityAddress     = "identity.address"
	IdentityCity        = "identity.city"
	IdentityPhone       = "identity.phone"
	IdentityEmail       = "identity.email"
	IdentitySSN         = "identity.ssn"
	IdentityMRN         = "identity.mrn"
	DemographicsAge     = "demographics.age_range"
	DemographicsGender  = "demographics.gender"
	DemographicsZip3    = "demographics.zip_code_prefix"
	DemographicsState   = "demographics.state"
	DemographicsEthnic  = "demographics.ethnicity"
	DemographicsLang    = "demographics.language"
	RecordTimestamp     = "record.timestamp"
	ObservationName     = "observation.name"
	ObservationCode     = "observation.code"
	ObservationValue    = "observation.value"
	ObservationUnit     = "observation.unit"
	ObservationRange    = "observation.reference_range"
	ObservationStatus   = "observation.result_status"
	MedicationName      = "medications.medication_name"
	MedicationCode      = "medications.medication_code"
	MedicationDosage    = "medications.dosage"
	MedicationFrequency = "medications.frequency"
	MedicationStart     = "medications.start_date"
	MedicationEnd       = "medications.end_date"
	DiagnosisCode       = "diagnoses.diagnosis_code"
	DiagnosisName       = "diagnoses.diagnosis_name"
	DiagnosisDate       = "diagnoses.diagnosis_date"
	DiagnosisStatus     = "diagnoses.status"
	DiagnosisSeverity   = "diagnoses.severity"
	ProcedureCode       = "procedures.procedure_code"
	ProcedureName       = "procedures.procedure_name"
	ProcedureDate       = "procedures.procedure_date"
	ProcedureProvider   = "procedures.provider"
	ProcedureLocation   = "procedures.location"
	NotesText           = "notes.text"
)

// Tagged Safe Harbor categories without a dedicated Identity field.
var taggedIdentity = []Target{
	{Name: "identity.fax", Synonyms: []string{"fax", "fax_number", "fax_no"}},
	{Name: "identity.url", Synonyms: []string{"url", "website", "web_address", "homepage"}, Pattern: urlPattern},
	{Name: "identity.ip_address", Synonyms: []string{"ip", "ip_address", "ip_addr", "client_ip"}, Pattern: ipPattern},
	{Name: "identity.device_id", Synonyms: []string{"device_id", "device_serial", "serial_number", "udi", "implant_id"}},
	{Name: "identity.vehicle_id", Synonyms: []string{"vin", "vehicle_id", "license_plate", "plate_number"}},
	{Name: "identity.license_number", Synonyms: []string{"license_number", "licence_number", "drivers_license", "dl_number", "certificate_number"}},
	{Name: "identity.account_number", Synonyms: []string{"account_number", "account_no", "acct", "account_id"}},
	{Name: "identity.health_plan_id", Synonyms: []string{"insurance_id", "member_id", "health_plan_id", "policy_number", "beneficiary_id", "subscriber_id"}},
	{Name: "identity.biometric_id", Synonyms: []string{"fingerprint", "voiceprint", "retina_scan", "biometric_id"}},
	{Name: "identity.photo", Synonyms: []string{"photo", "photo_url", "image", "face_image", "picture"}},
	{Name: IdentityContactName, Multi: true, Synonyms: []string{
		"contact_name", "guardian", "guardian_name", "next_of_kin", "nok", "next_of_kin_name",
		"emergency_contact", "emergency_contact_name", "mother", "mother_name", "mothers_maiden_name",
		"maiden_name", "father", "father_name", "spouse", "spouse_name", "parent_name",
		"relative", "relative_name", "caregiver", "caregiver_name",
	}},
	{Name: "identity.other_id", Synonyms: []string{"national_id", "passport", "passport_number", "encounter_id", "visit_id", "claim_id"}},
}

var baseTargets = []Target{
	{Name: IdentitySourceID, Synonyms: []string{"patient_id", "patientid", "pid", "subject_id", "person_id", "participant_id", "id", "record_id", "user_id"}},
	{Name: IdentityName, Synonyms: []string{"name", "patient_name", "full_name", "fullname", "patient"}},
	{Name: IdentityFirstName, Synonyms: []string{"first_name", "firstname", "given_name", "fname", "forename"}},
	{Name: IdentityLastName, Synonyms: []string{"last_name", "lastname", "surname", "family_name", "lname"}},
	{Name: IdentityBirthDate, DataType: TypeDate, Transformation: TransformAgeBucket, Synonyms: []string{"dob", "birth_date", "birthdate", "date_of_birth", "birthday", "birth_dt", "birth_year", "year_of_birth", "yob", "birth_yr"}},
	{Name: IdentityAge, DataType: TypeNumber, Transformation: TransformAgeBucket, Synonyms: []string{"age", "age_years", "patient_age", "age_at_visit"}},
	{Name: IdentityPostalCode, Transformation: TransformZip3, Synonyms: []string{"zip", "zipcode", "zip_code", "postal_code", "postcode", "postal"}, Pattern: zipPattern},
	{Name: IdentityAddress, Synonyms: []string{"address", "street", "street_address", "address_line", "address1", "addr", "home_address"}},
	{Name: IdentityCity, Synonyms: []string{"city", "town", "municipality", "county"}},
	{Name: IdentityPhone, Synonyms: []string{"phone", "phone_number", "telephone", "mobile", "cell", "tel", "contact_number"}, Pattern: phonePattern},
	{Name: IdentityEmail, Synonyms: []string{"email", "e_mail", "email_address", "mail"}, Pattern: emailPattern},
	{Name: IdentitySSN, Synonyms: []string{"ssn", "social_security", "social_security_number", "ss_number"}, Pattern: ssnPattern},
	{Name: IdentityMRN, Synonyms: []string{"mrn", "medical_record_number", "medical_record", "chart_number"}},

	{Name: DemographicsAge, DataType: TypeCategory, Synonyms: []string{"age_group", "age_band", "age_bucket", "age_bracket"}},
	{Name: DemographicsGender, DataType: TypeCategory, Transformation: TransformCase, Synonyms: []string{"sex", "gender_identity", "administrative_sex", "biological_sex"}, Pattern: genderPattern},
	{Name: DemographicsZip3, DataType: TypeCategory, Transformation: TransformZip3, Synonyms: []string{"zip3", "zip_prefix", "zip_3"}},
	{Name: DemographicsState, DataType: TypeCategory, Synonyms: []string{"province", "region", "state_code", "us_state"}},
	{Name: DemographicsEthnic, DataType: TypeCategory, Synonyms: []string{"race", "ethnic_group", "race_ethnicity"}},
	{Name: DemographicsLang, DataType: TypeCategory, Synonyms: []string{"preferred_language", "primary_language", "lang"}},

	{Name: RecordTimestamp, DataType: TypeDate, Transformation: TransformYear, Synonyms: []string{"date", "datetime", "time", "recorded_at", "measurement_date", "encounter_date", "visit_date", "observation_date", "effective_date", "collected_at", "date_time"}, Pattern: datePattern},

	{Name: ObservationName, DataType: TypeString, Synonyms: []string{"test", "lab_test", "test_name", "observation", "measurement", "vital_type", "vital", "analyte", "lab_name", "component"}},
	{Name: ObservationCode, DataType: TypeCode, Synonyms: []string{"loinc", "loinc_code", "test_code", "observation_code", "lab_code"}, Pattern: loincPattern},
	{Name: ObservationValue, DataType: TypeNumber, Synonyms: []string{"result", "test_result", "result_value", "reading", "measurement_value", "obs_value"}},
	{Name: ObservationUnit, DataType: TypeCategory, Transformation: TransformUnit, Synonyms: []string{"units", "uom", "unit_of_measure", "result_unit"}},
	{Name: ObservationRange, DataType: TypeString, Synonyms: []string{"range", "ref_range", "normal_range", "reference_interval"}},
	{Name: ObservationStatus, DataType: TypeCategory, Synonyms: []string{"result_status", "abnormal_flag", "flag", "interpretation"}},

	{Name: MedicationName, DataType: TypeString, Transformation: TransformScrub, Synonyms: []string{"drug", "medicine", "medication", "drug_name", "med", "med_name", "prescription", "rx"}},
	{Name: MedicationCode, DataType: TypeCode, Synonyms: []string{"rxnorm", "rxnorm_code", "rxcui", "ndc", "drug_code"}},
	{Name: MedicationDosage, DataType: TypeString, Synonyms: []string{"dose", "strength", "dose_amount"}},
	{Name: MedicationFrequency, DataType: TypeString, Synonyms: []string{"freq", "sig", "schedule", "dosing_frequency"}},
	{Name: MedicationStart, DataType: TypeDate, Transformation: TransformYear, Synonyms: []string{"start", "started", "med_start", "start_dt"}},
	{Name: MedicationEnd, DataType: TypeDate, Transformation: TransformYear, Synonyms: []string{"end", "stopped", "stop_date", "med_end", "end_dt"}},

	{Name: DiagnosisCode, DataType: TypeCode, Synonyms: []string{"icd10", "icd_10", "icd", "icd_code", "dx_code", "icd10_code", "condition_code"}, Pattern: icd10Pattern},
	{Name: DiagnosisName, DataType: TypeString, Transformation: TransformScrub, Synonyms: []string{"diagnosis", "condition", "problem", "dx", "disease", "condition_name"}},
	{Name: DiagnosisDate, DataType: TypeDate, Transformation: TransformYear, Synonyms: []string{"dx_date", "onset_date", "diagnosed_on", "condition_date"}},
	{Name: DiagnosisStatus, DataType: TypeCategory, Synonyms: []string{"clinical_status", "condition_status", "dx_status"}},
	{Name: DiagnosisSeverity, DataType: TypeCategory, Synonyms: []string{"severity_level", "acuity"}},

	{Name: ProcedureCode, DataType: TypeCode, Synonyms: []string{"cpt", "cpt_code", "procedure_cpt", "hcpcs"}, Pattern: cptPattern},
	{Name: ProcedureName, DataType: TypeString, Transformation: TransformScrub, Synonyms: []string{"procedure", "surgery", "operation", "intervention"}},
	{Name: ProcedureDate, DataType: TypeDate, Transformation: TransformYear, Synonyms: []string{"surgery_date", "performed_date", "performed_on", "operation_date"}},
	{Name: ProcedureProvider, DataType: TypeString, Transformation: TransformScrub, Synonyms: []string{"physician", "doctor", "surgeon", "performer", "clinician"}},
	{Name: ProcedureLocation, DataType: TypeString, Transformation: TransformScrub, Synonyms: []string{"facility", "hospital", "site", "clinic"}},

	{Name: NotesText, DataType: TypeText, Transformation: TransformScrub, Multi: true, Synonyms: []string{"notes", "note", "comment", "comments", "clinical_notes", "narrative", "remarks", "free_text", "description"}},
}

// Catalog is the set of canonical targets a column may map to.
type Catalog struct {
	targets []Target
	byName  map[string]int
	// uniqueFields holds field parts that name exactly one target.
	uniqueFields map[string]int
}

// Targets builds the target catalog. Wide-form vital and lab columns
// ("systolic_bp", "glucose") come from the terminology catalog.
func Targets(terms terminology.Catalog) *Catalog {
	all := make([]Target, 0, len(baseTargets)+len(taggedIdentity)+len(terms.Concepts))
	all = append(all, baseTargets...)
	for _, t := range taggedIdentity {
		t.DataType = TypeIdentifier
		t.Transformation = TransformRemove
		all = append(all, t)
	}

	keys := make([]string, 0, len(terms.Concepts))
	for k := range terms.Concepts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		concept := terms.Concepts[key]
		section := SectionLabs
		transformation := TransformNumeric
		if concept.Vital {
			section = SectionVitals
		}
		if key == "blood_pressure" {
			transformation = TransformBloodPress
		}
		synonyms := append([]string{}, concept.Keywords...)
		if concept.Display != "" {
			synonyms = append(synonyms, concept.Display)
		}
		all = append(all, Target{
			Name:           section + "." + key,
			DataType:       TypeNumber,
			Transformation: transformation,
			Synonyms:       synonyms,
		})
	}

	for i := range all {
		if all[i].DataType == "" {
			all[i].DataType = TypeIdentifier
		}
		if all[i].Identity() && all[i].Transformation == TransformNone {
			all[i].Transformation = TransformRemove
		}
		if all[i].Name == IdentitySourceID {
			all[i].Transformation = TransformPseudonym
		}
	}
	if terms.Concepts["blood_pressure"].Vital {
		for i := range all {
			if all[i].Name == "vitals.blood_pressure" {
				all[i].Pattern = bloodPressurePattern
			}
		}
	}

	c := &Catalog{targets: all, byName: make(map[string]int), uniqueFields: make(map[string]int)}
	fieldCount := make(map[string]int)
	for i, t := range all {
		c.byName[t.Name] = i
		fieldCount[t.Field()]++
	}
	for i, t := range all {
		if fieldCount[t.Field()] == 1 {
			c.uniqueFields[t.Field()] = i
		}
	}
	return c
}

func (c *Catalog) Get(name string) (Target, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Target{}, false
	}
	return c.targets[i], true
}

func (c *Catalog) All() []Target {
	return c.targets
}

// exact resolves a folded column name that equals a full target name or an
// unambiguous field part.
func (c *Catalog) exact(folded string) (Target, bool) {
	for _, t := range c.targets {
		if Fold(t.Name) == folded {
			return t, true
		}
	}
	if i, ok := c.uniqueFields[folded]; ok {
		return c.targets[i], true
	}
	return Target{}, false
}

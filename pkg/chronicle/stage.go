package chronicle

// Stage tags a pipeline phase. Cases move S0 → S7.
type Stage string

const (
	StageIntake     Stage = "S0"
	StageValidation Stage = "S1"
	StageGallery    Stage = "S2"
	StageTrident    Stage = "S3"
	StageKings      Stage = "S4"
	StageArchive    Stage = "S5"
	StageValidator  Stage = "S6"
	StageCrown      Stage = "S7"
)

// DefaultVertex is the vertex reported for unknown or missing stages.
const DefaultVertex = "●OBI-WAN"

// Stages lists every known stage in pipeline order.
func Stages() []Stage {
	return []Stage{
		StageIntake, StageValidation, StageGallery, StageTrident,
		StageKings, StageArchive, StageValidator, StageCrown,
	}
}

// Index returns the position of s in the pipeline, or -1 for unknown stages.
func (s Stage) Index() int {
	switch s {
	case StageIntake:
		return 0
	case StageValidation:
		return 1
	case StageGallery:
		return 2
	case StageTrident:
		return 3
	case StageKings:
		return 4
	case StageArchive:
		return 5
	case StageValidator:
		return 6
	case StageCrown:
		return 7
	default:
		return -1
	}
}

// Valid reports whether s is one of S0..S7.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Before reports whether s comes strictly before other in the pipeline.
func (s Stage) Before(other Stage) bool {
	return s.Valid() && other.Valid() && s.Index() < other.Index()
}

// VertexFor maps a stage to its classification label. It is total:
// unknown stages map to DefaultVertex.
func VertexFor(s Stage) string {
	switch s {
	case StageIntake, StageCrown:
		return "●OBI-WAN"
	case StageValidation:
		return "▼TATA"
	case StageGallery, StageTrident:
		return "▲ATLAS"
	case StageKings, StageArchive, StageValidator:
		return "◼DOJO"
	default:
		return DefaultVertex
	}
}

// StageName returns the descriptive name of a stage.
func StageName(s Stage) string {
	switch s {
	case StageIntake:
		return "Akron Gateway"
	case StageValidation:
		return "Queen's Chamber"
	case StageGallery:
		return "Gallery"
	case StageTrident:
		return "Trident"
	case StageKings:
		return "King's Chamber"
	case StageArchive:
		return "Archive"
	case StageValidator:
		return "DOJO Validator"
	case StageCrown:
		return "Crown"
	default:
		return "Unknown"
	}
}

package schema

// Version tags every written row so downstream consumers can tell which
// canonical set produced it.
const Version = "v1"

// Provenance column names.
const (
	ColSnapshotPeriod = "snapshot_period"
	ColSourceFile     = "source_file"
	ColRegion         = "region"
	ColSchemaVersion  = "schema_version"
	ColExtractionTS   = "extraction_ts"

	// ColRawExtra holds a JSON object of every input column that is not in
	// the canonical set, so no data is dropped.
	ColRawExtra = "raw_extra_json"
)

// CanonicalColumns is the fixed, ordered output schema. Every ingested row
// is projected onto exactly these columns regardless of release year.
var CanonicalColumns = []string{
	"id",
	"nom_estab",
	"raz_social",
	"codigo_act",
	"nombre_act",
	"per_ocu",
	"tipo_vial",
	"nom_vial",
	"numero_ext",
	"letra_ext",
	"numero_int",
	"letra_int",
	"tipo_asent",
	"nomb_asent",
	"cod_postal",
	"cve_ent",
	"entidad",
	"cve_mun",
	"municipio",
	"cve_loc",
	"localidad",
	"ageb",
	"manzana",
	"latitud",
	"longitud",
	"telefono",
	"correoelec",
	"www",
	"fecha_alta",
	ColRawExtra,
	ColSnapshotPeriod,
	ColSourceFile,
	ColRegion,
	ColSchemaVersion,
	ColExtractionTS,
}

// RequiredMinimumColumns must be present for a file to be considered
// structurally sound; a file missing any of them is rejected whole.
var RequiredMinimumColumns = []string{"id", "nom_estab", "codigo_act"}

// ColumnAliases maps historical and variant header spellings, after
// snake-case normalization, to canonical names. Releases renamed columns
// freely between years; this table is versioned together with
// CanonicalColumns.
var ColumnAliases = map[string]string{
	"clave_de_la_unidad_economica":          "id",
	"id_unidad_economica":                   "id",
	"nombre_de_la_unidad_economica":         "nom_estab",
	"nombre_del_establecimiento":            "nom_estab",
	"razon_social":                          "raz_social",
	"codigo_de_la_clase_de_actividad_scian": "codigo_act",
	"codigo_de_actividad":                   "codigo_act",
	"nombre_de_la_actividad":                "nombre_act",
	"nombre_de_clase_de_la_actividad":       "nombre_act",
	"descripcion_estrato_personal_ocupado":  "per_ocu",
	"personal_ocupado":                      "per_ocu",
	"tipo_de_vialidad":                      "tipo_vial",
	"nombre_de_la_vialidad":                 "nom_vial",
	"calle":                                 "nom_vial",
	"numero_exterior_o_kilometro":           "numero_ext",
	"num_exterior":                          "numero_ext",
	"letra_exterior":                        "letra_ext",
	"numero_interior":                       "numero_int",
	"num_interior":                          "numero_int",
	"letra_interior":                        "letra_int",
	"tipo_de_asentamiento_humano":           "tipo_asent",
	"tipo_asentamiento":                     "tipo_asent",
	"nombre_de_asentamiento_humano":         "nomb_asent",
	"colonia":                               "nomb_asent",
	"codigo_postal":                         "cod_postal",
	"clave_entidad":                         "cve_ent",
	"clave_de_entidad_federativa":           "cve_ent",
	"entidad_federativa":                    "entidad",
	"clave_municipio":                       "cve_mun",
	"clave_de_municipio":                    "cve_mun",
	"municipio_o_delegacion":                "municipio",
	"clave_localidad":                       "cve_loc",
	"clave_de_localidad":                    "cve_loc",
	"nombre_de_la_localidad":                "localidad",
	"clave_ageb":                            "ageb",
	"area_geoestadistica_basica":            "ageb",
	"clave_manzana":                         "manzana",
	"latitud_norte":                         "latitud",
	"longitud_oeste":                        "longitud",
	"numero_de_telefono":                    "telefono",
	"telefono_1":                            "telefono",
	"correo_electronico":                    "correoelec",
	"correo_e":                              "correoelec",
	"sitio_en_internet":                     "www",
	"pagina_web":                            "www",
	"fecha_de_incorporacion_al_denue":       "fecha_alta",
	"fecha_de_alta":                         "fecha_alta",
}

var canonicalSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(CanonicalColumns))
	for _, col := range CanonicalColumns {
		set[col] = struct{}{}
	}
	return set
}()

// IsCanonical reports whether name belongs to the canonical column set.
func IsCanonical(name string) bool {
	_, ok := canonicalSet[name]
	return ok
}

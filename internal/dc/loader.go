package dc

import (
	"fmt"

	"github.com/spf13/viper"
)

type schemaField struct {
	Name      string   `mapstructure:"name"`
	Types     []string `mapstructure:"type"`
	Keywords  []string `mapstructure:"keywords"`
	Molecular []string `mapstructure:"molecular"`
}

type schemaClass struct {
	Name   string        `mapstructure:"name"`
	Fields []schemaField `mapstructure:"fields"`
}

type schemaFile struct {
	Classes []schemaClass `mapstructure:"classes"`
}

var typeNames = map[string]Type{
	"int8":    Int8,
	"int16":   Int16,
	"int32":   Int32,
	"int64":   Int64,
	"uint8":   Uint8,
	"uint16":  Uint16,
	"uint32":  Uint32,
	"uint64":  Uint64,
	"float64": Float64,
	"string":  String,
	"blob":    Blob,
}

var keywordNames = map[string]Keyword{
	"required":  Required,
	"ram":       Ram,
	"db":        Db,
	"broadcast": Broadcast,
	"airecv":    AIRecv,
	"ownrecv":   OwnRecv,
	"clsend":    ClSend,
	"ownsend":   OwnSend,
	"clrecv":    ClRecv,
}

// LoadFiles reads YAML class declarations and builds the registry. Class and
// field order across the files is declaration order, which fixes the id
// assignment and the schema hash.
func LoadFiles(paths []string) (*Registry, error) {
	var classes []*Class
	for _, path := range paths {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("schema read %s: %w", path, err)
		}
		var file schemaFile
		if err := v.Unmarshal(&file); err != nil {
			return nil, fmt.Errorf("schema unmarshal %s: %w", path, err)
		}

		for _, sc := range file.Classes {
			fields := make([]*Field, 0, len(sc.Fields))
			byName := make(map[string]*Field)
			for _, sf := range sc.Fields {
				var field *Field
				if len(sf.Molecular) > 0 {
					subs := make([]*Field, 0, len(sf.Molecular))
					for _, sub := range sf.Molecular {
						s, ok := byName[sub]
						if !ok {
							return nil, fmt.Errorf("schema %s: molecular %s.%s references unknown field %s",
								path, sc.Name, sf.Name, sub)
						}
						subs = append(subs, s)
					}
					field = NewMolecular(sf.Name, subs...)
				} else {
					types := make([]Type, 0, len(sf.Types))
					for _, t := range sf.Types {
						typ, ok := typeNames[t]
						if !ok {
							return nil, fmt.Errorf("schema %s: field %s.%s has unknown type %s",
								path, sc.Name, sf.Name, t)
						}
						types = append(types, typ)
					}
					var kw Keyword
					for _, k := range sf.Keywords {
						bit, ok := keywordNames[k]
						if !ok {
							return nil, fmt.Errorf("schema %s: field %s.%s has unknown keyword %s",
								path, sc.Name, sf.Name, k)
						}
						kw |= bit
					}
					field = NewField(sf.Name, kw, types...)
				}
				fields = append(fields, field)
				byName[sf.Name] = field
			}
			classes = append(classes, NewClass(sc.Name, fields...))
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no classes declared")
	}
	return NewRegistry(classes...), nil
}

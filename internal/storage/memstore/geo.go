package memstore

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/storage"
)

// earthRadius is the radius, in metres, MongoDB uses for spherical queries.
const earthRadius = 6378100.0

type point struct {
	lng, lat float64
}

// nearQuery is a $near or $nearSphere clause on one field.
type nearQuery struct {
	field       string
	center      point
	maxDistance float64 // metres, <0 when unbounded
	minDistance float64
}

// extractNear pulls a $near clause out of the operators applied to field and
// returns the remaining operators.
func extractNear(field string, ops bson.D, indexes []storage.IndexModel) (*nearQuery, bson.D, error) {
	var near *nearQuery
	var rest bson.D
	for _, op := range ops {
		if op.Key != "$near" && op.Key != "$nearSphere" {
			rest = append(rest, op)
			continue
		}
		spec, ok := op.Value.(bson.D)
		if !ok {
			return nil, nil, fmt.Errorf("%s requires a $geometry document", op.Key)
		}
		nq, err := parseNearSpec(field, spec)
		if err != nil {
			return nil, nil, err
		}
		near = nq
	}
	if near == nil {
		return nil, ops, nil
	}
	if !hasIndexType(indexes, field, "2dsphere") {
		return nil, nil, errors.New("unable to find index for $geoNear query")
	}
	return near, rest, nil
}

func parseNearSpec(field string, spec bson.D) (*nearQuery, error) {
	nq := &nearQuery{field: field, maxDistance: -1}
	geom, ok := getField(spec, "$geometry")
	if !ok {
		return nil, errors.New("$near requires $geometry")
	}
	center, ok := geoPoint(geom)
	if !ok {
		return nil, errors.New("invalid point in geo near query $geometry argument")
	}
	nq.center = center

	if v, ok := getField(spec, "$maxDistance"); ok {
		d, err := cast.ToFloat64E(v)
		if err != nil || d < 0 {
			return nil, errors.New("$maxDistance must be a non-negative number")
		}
		nq.maxDistance = d
	}
	if v, ok := getField(spec, "$minDistance"); ok {
		d, err := cast.ToFloat64E(v)
		if err != nil || d < 0 {
			return nil, errors.New("$minDistance must be a non-negative number")
		}
		nq.minDistance = d
	}
	return nq, nil
}

// distance reports how far doc's point lies from the centre, and whether it
// falls inside the distance bounds.
func (n *nearQuery) distance(doc bson.D) (float64, bool) {
	v, ok := getPath(doc, n.field)
	if !ok {
		return 0, false
	}
	p, ok := geoPoint(v)
	if !ok {
		return 0, false
	}
	d := haversine(n.center, p)
	if d < n.minDistance || (n.maxDistance >= 0 && d > n.maxDistance) {
		return 0, false
	}
	return d, true
}

// geoPoint reads a GeoJSON Point or a legacy [lng, lat] pair.
func geoPoint(v any) (point, bool) {
	if d, ok := v.(bson.D); ok {
		typ, _ := getField(d, "type")
		if typ != "Point" {
			return point{}, false
		}
		coords, _ := getField(d, "coordinates")
		v = coords
	}
	arr, ok := v.(bson.A)
	if !ok || len(arr) != 2 {
		return point{}, false
	}
	lng, ok1 := toFloat(arr[0])
	lat, ok2 := toFloat(arr[1])
	if !ok1 || !ok2 || lng < -180 || lng > 180 || lat < -90 || lat > 90 {
		return point{}, false
	}
	return point{lng: lng, lat: lat}, true
}

func haversine(a, b point) float64 {
	rad := math.Pi / 180
	dLat := (b.lat - a.lat) * rad
	dLng := (b.lng - a.lng) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.lat*rad)*math.Cos(b.lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

func hasIndexType(indexes []storage.IndexModel, field, typ string) bool {
	for _, idx := range indexes {
		for _, k := range idx.Keys {
			if k.Key == field && k.Value == typ {
				return true
			}
		}
	}
	return false
}

// geoNearStage implements the $geoNear aggregation stage.
func geoNearStage(hits []hit, spec bson.D, indexes []storage.IndexModel) ([]hit, error) {
	nearV, ok := getField(spec, "near")
	if !ok {
		return nil, errors.New("$geoNear requires a 'near' option")
	}
	center, ok := geoPoint(nearV)
	if !ok {
		return nil, errors.New("$geoNear 'near' must be a point")
	}
	distField := cast.ToString(valueOr(spec, "distanceField", ""))
	if distField == "" {
		return nil, errors.New("$geoNear requires a 'distanceField' option")
	}

	key := cast.ToString(valueOr(spec, "key", ""))
	if key == "" {
		for _, idx := range indexes {
			for _, k := range idx.Keys {
				if k.Value == "2dsphere" {
					if key != "" && key != k.Key {
						return nil, errors.New("more than one 2dsphere index, use the 'key' option")
					}
					key = k.Key
				}
			}
		}
	}
	if key == "" || !hasIndexType(indexes, key, "2dsphere") {
		return nil, errors.New("unable to find index for $geoNear query")
	}

	nq := &nearQuery{field: key, center: center, maxDistance: -1}
	if v, ok := getField(spec, "maxDistance"); ok {
		nq.maxDistance = cast.ToFloat64(v)
	}
	if v, ok := getField(spec, "minDistance"); ok {
		nq.minDistance = cast.ToFloat64(v)
	}
	var filter bson.D
	if v, ok := getField(spec, "query"); ok {
		if filter, ok = v.(bson.D); !ok {
			return nil, errors.New("$geoNear 'query' must be a document")
		}
	}

	var out []hit
	for _, h := range hits {
		ok, err := matchDoc(h.doc, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		d, ok := nq.distance(h.doc)
		if !ok {
			continue
		}
		doc, err := setPath(cloneDoc(h.doc), distField, d)
		if err != nil {
			return nil, err
		}
		h.doc, h.distance = doc, d
		out = append(out, h)
	}
	sortByDistance(out)
	return out, nil
}

func sortByDistance(hits []hit) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].distance < hits[j].distance })
}

func valueOr(d bson.D, key string, def any) any {
	if v, ok := getField(d, key); ok {
		return v
	}
	return def
}

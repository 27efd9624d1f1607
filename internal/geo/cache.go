package geo

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/geotrust/presence-backend/internal/models"
)

// cacheEntry закешированный результат одного запроса по радиусу
type cacheEntry struct {
	key       string
	targets   []*models.GeofenceTarget
	timestamp time.Time
}

// TargetCache потокобезопасный LRU-кеш с TTL для запросов зон по
// радиусу. Ключ квантует центр запроса до ячейки geohash: соседние
// запросы делят запись, и медленный каталог опрашивается один раз
// на ячейку.
type TargetCache struct {
	capacity  int
	ttl       time.Duration
	precision int
	items     map[string]*list.Element
	evictList *list.List
	mu        sync.Mutex

	hits   uint64
	misses uint64
}

// NewTargetCache создает кеш запросов зон. Точность задает огрубление
// центра запроса, 6 дает ячейки ~1.2 км.
func NewTargetCache(capacity int, ttl time.Duration, precision int) *TargetCache {
	if precision <= 0 || precision > maxPrecision {
		precision = 6
	}
	return &TargetCache{
		capacity:  capacity,
		ttl:       ttl,
		precision: precision,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get возвращает закешированный результат запроса по радиусу
func (c *TargetCache) Get(center models.GeoPoint, radiusM float64) ([]*models.GeofenceTarget, bool) {
	key := c.queryKey(center, radiusM)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.timestamp) > c.ttl {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}

	c.evictList.MoveToFront(elem)
	c.hits++
	return entry.targets, true
}

// Set кеширует результат запроса по радиусу
func (c *TargetCache) Set(center models.GeoPoint, radiusM float64, targets []*models.GeofenceTarget) {
	key := c.queryKey(center, radiusM)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.evictList.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.targets = targets
		entry.timestamp = time.Now()
		return
	}

	elem := c.evictList.PushFront(&cacheEntry{
		key:       key,
		targets:   targets,
		timestamp: time.Now(),
	})
	c.items[key] = elem

	if c.evictList.Len() > c.capacity {
		if oldest := c.evictList.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Clear сбрасывает все записи. Вызывается при сохранении или удалении
// зоны: каталог меняется единицы раз в день, точечная инвалидация не
// окупает учет.
func (c *TargetCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

// Size возвращает число закешированных запросов
func (c *TargetCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats возвращает счетчики попаданий и промахов и долю попаданий
func (c *TargetCache) Stats() (hits, misses uint64, hitRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hits = c.hits
	misses = c.misses
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}

func (c *TargetCache) queryKey(center models.GeoPoint, radiusM float64) string {
	cell := geohash.EncodeWithPrecision(center.Latitude, center.Longitude, uint(c.precision))
	// Радиус огрубляется до бакетов по 100 м
	return fmt.Sprintf("%s:%d", cell, int(radiusM/100))
}

func (c *TargetCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.evictList.Remove(elem)
}

package api

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>IP Camera</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 20px; }
        .bar { display: flex; gap: 8px; align-items: center; margin-bottom: 12px; }
        img { max-width: 100%; background: #000; min-height: 240px; }
        #log { font-family: monospace; font-size: 12px; max-height: 200px; overflow-y: auto; }
        .badge { padding: 2px 8px; border-radius: 4px; background: #444; }
    </style>
</head>
<body>
    <div class="bar">
        <button id="start">Start server</button>
        <button id="stop">Stop server</button>
        <button id="front">Front</button>
        <button id="back">Back</button>
        <span class="badge" id="state">...</span>
    </div>
    <img id="stream" alt="stream">
    <div id="log"></div>
<script>
const $ = (id) => document.getElementById(id);

async function refresh() {
    const st = await (await fetch('/api/status')).json();
    $('state').textContent = (st.listening ? 'listening :' + st.port : 'stopped') +
        ' | producer ' + st.lifecycle.state + ' (' + st.lifecycle.device + ')' +
        ' | clients ' + st.lifecycle.clients;
    const src = st.listening ? location.protocol + '//' + location.hostname + ':' + st.port + '/' : '';
    if ($('stream').dataset.src !== src) {
        $('stream').dataset.src = src;
        $('stream').src = src;
    }
}

async function post(path, body) {
    await fetch(path, {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: body ? JSON.stringify(body) : undefined,
    });
    refresh();
}

$('start').onclick = () => post('/api/server/start');
$('stop').onclick = () => post('/api/server/stop');
$('front').onclick = () => post('/api/device', { device: 'front' });
$('back').onclick = () => post('/api/device', { device: 'back' });

const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
ws.onmessage = (msg) => {
    const ev = JSON.parse(msg.data);
    const line = document.createElement('div');
    line.textContent = ev.time + ' ' + ev.type + (ev.device ? ' ' + ev.device : '') + (ev.error ? ' ' + ev.error : '');
    $('log').prepend(line);
    refresh();
};

refresh();
</script>
</body>
</html>
`
